// Package main provides a command that follows run push channels and prints
// every update until the runs finish.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dukex/agentrun/pkg/log"
	"github.com/dukex/agentrun/pkg/stream"
	cli "github.com/urfave/cli/v3"
)

func main() {
	logger := log.WithModule("watch")

	cmd := &cli.Command{
		Name:      "agentrun-watch",
		Usage:     "Follow the push channel of one or more runs",
		ArgsUsage: "<run-id> [run-id...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Usage:   "Base URL of the agentrun API",
				Value:   "http://localhost:9091",
				Sources: cli.EnvVars("AGENTRUN_URL"),
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Reconnect attempts before giving up on a run",
				Value: 5,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			runIDs := command.Args().Slice()
			if len(runIDs) == 0 {
				return errors.New("at least one run ID is required")
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			base := command.String("url")
			manager := stream.NewManager(
				logger,
				&stream.SSEDialer{BaseURL: base},
				&stream.HTTPTokenIssuer{BaseURL: base},
				stream.Config{MaxAttempts: int(command.Int("max-attempts"))},
			)
			defer manager.Close()

			printer := &printer{out: os.Stdout}
			subs := make([]*stream.Subscription, 0, len(runIDs))

			for _, runID := range runIDs {
				sub, err := manager.Subscribe(ctx, runID, printer.print)
				if err != nil {
					return err
				}

				subs = append(subs, sub)
			}

			var errs []error

			for _, sub := range subs {
				if err := sub.Wait(); err != nil {
					errs = append(errs, fmt.Errorf("run %s: %w", sub.RunID(), err))
				}
			}

			return errors.Join(errs...)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printer serialises lines from several subscription goroutines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) print(update stream.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, _ = fmt.Fprintln(p.out, formatUpdate(update))
}

func formatUpdate(update stream.Update) string {
	prefix := "[" + update.Run() + "] "

	switch u := update.(type) {
	case stream.ProgressUpdate:
		if u.Step != "" {
			return fmt.Sprintf("%sprogress %.0f%% (%s)", prefix, u.Percent, u.Step)
		}

		return fmt.Sprintf("%sprogress %.0f%%", prefix, u.Percent)
	case stream.LogUpdate:
		return fmt.Sprintf("%s%s: %s", prefix, u.Entry.Level, u.Entry.Message)
	case stream.ArtifactUpdate:
		return fmt.Sprintf("%s%d artifact(s)", prefix, len(u.Artifacts))
	case stream.StateUpdate:
		return fmt.Sprintf("%sstate %s", prefix, u.State)
	case stream.ProposalUpdate:
		return fmt.Sprintf("%sproposal v%d: %s ($%.2f)", prefix, u.Proposal.Version, u.Proposal.Intent, u.Proposal.EstimatedCostUSD)
	case stream.StatusUpdate:
		return fmt.Sprintf("%sfinished %s", prefix, u.Status)
	case stream.ErrorUpdate:
		return fmt.Sprintf("%sfailed %s: %s", prefix, u.Error.Code, u.Error.Message)
	default:
		return prefix + "unknown update"
	}
}
