// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/logging"
	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/netdiag"
	"tagrouter/cli/internal/orchestrator"
	"tagrouter/cli/internal/render"
	"tagrouter/cli/internal/server"
)

var (
	askRemote  string
	askSession string
	askShowSQL bool
	askRows    bool
	askJSON    bool
	askResume  bool
)

// asker is satisfied by the in-process router and the gRPC client.
type asker interface {
	Ask(ctx context.Context, text, sessionID string) (model.Answer, error)
}

type localAsker struct{ router *orchestrator.Orchestrator }

func (l localAsker) Ask(ctx context.Context, text, sessionID string) (model.Answer, error) {
	return l.router.Handle(ctx, orchestrator.Request{Text: text, SessionID: sessionID})
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question, or start an interactive session",
	Long: `Ask routes a question to the database, the knowledge base or the chat model
and prints the answer. Without a question it starts an interactive session in
which follow-up questions can refer to earlier ones.

By default the router runs in this process using your stored credentials.
With --remote the question is sent to a router started with 'tagrouter serve'.

Examples:
  tagrouter ask "how many orders were placed last month?"
  tagrouter ask --sql "top 5 customers by revenue"
  tagrouter ask --resume
  tagrouter ask --remote 127.0.0.1:7443`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		relay := &progressRelay{}

		var a asker
		if askRemote != "" {
			c, err := server.Dial(askRemote)
			if err != nil {
				return err
			}
			defer c.Close()
			a = c
		} else {
			stop := func() {}
			if interactive() {
				stop = startInlineSpinner(os.Stderr, "starting router", spinnerFrames, 100*time.Millisecond)
			}
			app, err := buildApp(ctx, cfg, appOptions{Observer: relay.Observe})
			stop()
			if err != nil {
				return err
			}
			defer app.Close()
			a = localAsker{router: app.Router}
		}

		question := strings.TrimSpace(strings.Join(args, " "))
		if question != "" {
			if err := askOnce(ctx, a, relay, question, askSession); err != nil {
				return errReported
			}
			return nil
		}
		return repl(ctx, a, relay)
	},
}

func askOnce(ctx context.Context, a asker, relay *progressRelay, question, session string) error {
	if !askJSON {
		relay.Start("checking the answer cache")
	}
	ans, err := a.Ask(ctx, question, session)
	relay.Stop()
	if err != nil {
		fmt.Fprint(os.Stderr, logging.FormatRouterError(err))
		if askRemote != "" && errs.KindOf(err) == errs.UpstreamUnavailable {
			fmt.Fprint(os.Stderr, "\n"+netdiag.Explain(err, "reaching the router at "+askRemote))
		}
		return err
	}
	if askJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ans)
	}
	fmt.Print(render.Answer(ans, render.Options{ShowSQL: askShowSQL, ShowRows: askRows}))
	return nil
}

func repl(ctx context.Context, a asker, relay *progressRelay) error {
	session := askSession
	if session == "" && askResume {
		last, err := loadLastSession()
		if err != nil {
			log.Debug().Err(err).Msg("could not read the last session id")
		}
		session = last
	}
	if session == "" {
		session = uuid.NewString()
	}
	if err := saveLastSession(session); err != nil {
		log.Debug().Err(err).Msg("could not record the session id")
	}
	pterm.Println(pterm.NewStyle(pterm.FgLightCyan).Sprint("→ Session: ") + pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint(session))
	pterm.Println("  Type a question, or 'exit' to quit.")
	pterm.Println()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for {
		fmt.Print(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint("› "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit", ":q":
			return nil
		}
		_ = askOnce(ctx, a, relay, line, session)
		fmt.Println()
		if ctx.Err() != nil {
			return nil
		}
	}
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVar(&askRemote, "remote", "", "Address of a running router (host:port)")
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "Conversation session id (interactive mode generates one)")
	askCmd.Flags().BoolVar(&askShowSQL, "sql", false, "Show the SQL statement behind database answers")
	askCmd.Flags().BoolVar(&askRows, "rows", false, "Show the result preview behind database answers")
	askCmd.Flags().BoolVar(&askResume, "resume", false, "Continue the last interactive session")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the answer as JSON")
}
