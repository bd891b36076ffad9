// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tagrouter/cli/internal/server"
)

var (
	serveListen string
	serveGrace  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the router as a gRPC service",
	Long: `Serve starts the router and exposes it as the gRPC service tagrouter.v1.Router
together with the standard gRPC health service. Clients such as
'tagrouter ask --remote' send questions to it.

The listen address defaults to server.listen in the config file
(127.0.0.1:7443). SIGINT or SIGTERM drains in-flight requests before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := buildApp(ctx, cfg, appOptions{Background: true})
		if err != nil {
			return err
		}
		defer app.Close()

		var refresher server.Refresher
		if app.Schema != nil {
			refresher = app.Schema
		}
		gs, hs := server.New(server.NewService(app.Router, refresher))

		addr := cfg.Server.Listen
		if serveListen != "" {
			addr = serveListen
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		log.Info().
			Bool("database", app.Schema != nil).
			Bool("knowledge", app.Index != nil).
			Bool("cache", app.Cache != nil).
			Msg("router ready")
		return server.Serve(ctx, gs, hs, lis, serveGrace)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides server.listen)")
	serveCmd.Flags().DurationVar(&serveGrace, "grace", 10*time.Second, "How long to drain in-flight requests on shutdown")
}

