// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tagrouter/cli/internal/keychain"
)

var disconnectKeys = map[string]string{
	"db":    keychain.KeyDBDSN,
	"llm":   keychain.KeyLLMAPIKey,
	"redis": keychain.KeyRedisURL,
}

// disconnectCmd removes stored credentials from the OS keychain.
var disconnectCmd = &cobra.Command{
	Use:   "disconnect [db|llm|redis]",
	Short: "Remove stored credentials",
	Long: `The disconnect command removes credentials saved by 'tagrouter connect' from
the OS keychain. Without an argument every stored credential is removed.
Environment variables are not affected.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"db", "llm", "redis"},
	RunE: func(cmd *cobra.Command, args []string) error {
		km, err := keychain.GetManager()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			if err := km.ClearAll(); err != nil {
				return err
			}
			fmt.Println("✅ All stored credentials have been removed")
			return nil
		}
		key, ok := disconnectKeys[args[0]]
		if !ok {
			return fmt.Errorf("unknown target %q: use db, llm or redis", args[0])
		}
		if err := km.Delete(key); err != nil {
			return err
		}
		fmt.Printf("✅ Stored %s credential removed\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(disconnectCmd)
}
