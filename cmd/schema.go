// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/render"
	"tagrouter/cli/internal/server"
	"tagrouter/cli/internal/sqlexec"
)

var (
	schemaRefresh  bool
	schemaDescribe bool
	schemaRemote   string
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show the database schema the router answers from",
	Long: `Schema reads the tables, columns and keys of the configured database, the
same snapshot the router uses to write SQL.

--describe prints the compact text form that is shown to the model.
--remote asks a running router to refresh its cached snapshot instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if schemaRemote != "" {
			c, err := server.Dial(schemaRemote)
			if err != nil {
				return err
			}
			defer c.Close()
			res, err := c.Refresh(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✅ Router schema refreshed: %d tables, fetched %s\n", res.Tables, res.FetchedAt.Local().Format(time.RFC1123))
			if res.Stale {
				fmt.Println("⚠️  The database could not be reached; the router is serving its previous snapshot")
			}
			return nil
		}

		pool, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		if pool == nil {
			fmt.Println("⚠️  No database connection configured")
			fmt.Println("   Please run: tagrouter connect")
			return nil
		}
		defer pool.Close()

		provider := sqlexec.NewSchemaProvider(sqlexec.NewSchemaInspector(pool, cfg.SQL.Schemas), cfg.SQL.SchemaTTL)
		var snap model.SchemaSnapshot
		if schemaRefresh {
			snap, err = provider.Refresh(ctx)
		} else {
			snap, err = provider.Snapshot(ctx)
		}
		if err != nil {
			return err
		}

		if schemaDescribe {
			fmt.Println(sqlexec.Describe(snap, nil))
			return nil
		}
		pterm.Println(pterm.NewStyle(pterm.FgLightCyan, pterm.Bold).Sprintf("%d tables", len(snap.Tables)))
		pterm.Print(render.Tables(snap))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.Flags().BoolVar(&schemaRefresh, "refresh", false, "Bypass the snapshot TTL and read the schema again")
	schemaCmd.Flags().BoolVar(&schemaDescribe, "describe", false, "Print the schema text given to the model")
	schemaCmd.Flags().StringVar(&schemaRemote, "remote", "", "Refresh the snapshot of a running router at this address")
}
