// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"tagrouter/cli/internal/dsn"
	"tagrouter/cli/internal/logging"
	"tagrouter/cli/internal/semcache"
	"tagrouter/cli/internal/sqlexec"
)

var dbinfoPing bool

// dbinfoCmd shows the configured connections with passwords masked.
var dbinfoCmd = &cobra.Command{
	Use:   "dbinfo",
	Short: "Show the configured database and cache connections",
	Long: `The dbinfo command displays the database DSN and, when Redis is used, the
Redis URL the router will connect to, with passwords replaced by ***. It also
shows where each value came from: the environment or the OS keychain.

--ping connects to each store and reports the server version.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db := databaseDSN()
		if db.Value == "" {
			pterm.Println("⚠️  No database connection configured")
			pterm.Println("   Please run: tagrouter connect")
		} else {
			body := dsn.Redact(db.Value)
			if dbinfoPing {
				body += "\n\n" + pingDatabase(ctx, db.Value)
			}
			pterm.DefaultBox.
				WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint("Database")).
				WithPadding(1).
				Println(body)
			pterm.Println(pterm.NewStyle(pterm.FgGray).Sprint("Source: " + db.Source))
		}
		pterm.Println()

		if cfg.Cache.Backend == "redis" || cfg.Session.Store == "redis" {
			r := redisURL()
			if r.Value == "" {
				pterm.Println("⚠️  Redis is selected in the config but no URL is configured")
			} else {
				body := dsn.Redact(r.Value)
				if dbinfoPing {
					body += "\n\n" + pingRedis(ctx, r.Value)
				}
				pterm.DefaultBox.
					WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint("Redis")).
					WithPadding(1).
					Println(body)
				pterm.Println(pterm.NewStyle(pterm.FgGray).Sprint("Source: " + r.Source))
			}
			pterm.Println()
		}

		pterm.Println("To update a connection, run: tagrouter connect")
		pterm.Println()
		return nil
	},
}

func pingDatabase(ctx context.Context, raw string) string {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.DB)
	defer cancel()
	pool, err := sqlexec.OpenPool(ctx, raw, 1)
	if err != nil {
		return "❌ " + logging.Mask(err.Error())
	}
	defer pool.Close()
	v, err := sqlexec.New(pool, 1, cfg.SQL.StatementTimeout).ServerVersion(ctx)
	if err != nil {
		return "❌ " + logging.Mask(err.Error())
	}
	return fmt.Sprintf("✅ reachable, PostgreSQL %s", v)
}

func pingRedis(ctx context.Context, raw string) string {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.DB)
	defer cancel()
	client, err := semcache.OpenRedis(ctx, raw)
	if err != nil {
		return "❌ " + logging.Mask(err.Error())
	}
	defer client.Close()
	return "✅ reachable"
}

func init() {
	rootCmd.AddCommand(dbinfoCmd)
	dbinfoCmd.Flags().BoolVar(&dbinfoPing, "ping", false, "Check that each store is reachable")
}
