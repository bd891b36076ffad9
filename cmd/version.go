// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"tagrouter/cli/internal/server"
)

var (
	// Version holds the CLI version information.
	// This value is typically set at build time using -ldflags.
	Version = "0.0.0-dev"

	versionRemote string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Print the tagrouter version. With --remote, also report whether the router
listening at that address is healthy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("tagrouter %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		if versionRemote == "" {
			return nil
		}
		c, err := server.Dial(versionRemote)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()
		ok, err := c.Healthy(ctx)
		switch {
		case err != nil:
			fmt.Printf("router %s unreachable: %v\n", versionRemote, err)
		case ok:
			fmt.Printf("router %s serving\n", versionRemote)
		default:
			fmt.Printf("router %s not serving\n", versionRemote)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().StringVar(&versionRemote, "remote", "", "Address of a running router to health-check")
}
