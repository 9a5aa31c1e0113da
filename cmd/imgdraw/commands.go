package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"imgdraw/internal/app"
	"imgdraw/internal/command"
	"imgdraw/internal/config"
	"imgdraw/internal/dispatch"
	"imgdraw/internal/schedule"
	logx "imgdraw/pkg/logx"
)

const stopTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "imgdraw",
		Short:         "Chat bot that draws images from storage without repeats",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       app.Version,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./imgdraw.yaml", "path to the config file (yaml or json)")

	root.AddCommand(
		serveCmd(&cfgPath),
		rescanCmd(&cfgPath),
		statusCmd(&cfgPath),
		drawCmd(&cfgPath),
		resetCmd(&cfgPath),
		historyCmd(&cfgPath),
		scheduleCmd(),
	)
	return root
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.NewApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigs:
				reason = app.ReasonForSignal(sig)
			case <-a.Done():
				reason = app.StopFatalError
			}
			cancel()

			sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
			defer scancel()
			_ = a.Stop(sctx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

// withCore loads the config and opens the stores for one offline command.
func withCore(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, c *app.Core) error) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	log := logx.NewConsole(cfg.Logging.Level)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := app.OpenCore(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, c), c.Close())
}

func rescanCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rescan",
		Short: "Reconcile every category with storage and print what changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, c *app.Core) error {
				rep := c.Dispatcher.Rescan(ctx)
				fmt.Fprint(cmd.OutOrStdout(), ensureNewline(rep.String()))
				return rep.Err
			})
		},
	}
}

func statusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print seen and unseen counts per category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, c *app.Core) error {
				text, err := c.Dispatcher.StatusTable(ctx)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
}

func drawCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "draw [category ...]",
		Short: "Draw one item and print its link",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, c *app.Core) error {
				got, err := c.Dispatcher.Draw(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", got.Item, got.URL)
				return nil
			})
		},
	}
}

func resetCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <category>",
		Short: "Mark every item of a category unseen again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, c *app.Core) error {
				reply, err := c.Dispatcher.HandleCommand(ctx, dispatch.Request{
					Text:      "!reset " + args[0],
					Requester: "cli",
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
				return nil
			})
		},
	}
}

func historyCmd(cfgPath *string) *cobra.Command {
	var (
		chat  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent draws, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, c *app.Core) error {
				text, err := c.Dispatcher.RecentDraws(ctx, chat, limit)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), ensureNewline(text))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "", "only draws answered in this chat id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of draws to print")
	return cmd
}

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <timer|cron|random> <args...>",
		Short: "Print the delays a scheduling command would plan, without queueing anything",
		Example: `  imgdraw schedule timer 00:10:00 6 cats
  imgdraw schedule cron "0 */2 * * *" 1d dogs
  imgdraw schedule random 5 3h`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := command.Parse("!" + args[0])
			mode, ok := parsed.Mode()
			if !ok {
				return fmt.Errorf("unknown schedule kind %q (want timer, cron or random)", args[0])
			}
			spec, err := schedule.Parse(mode, args[1:])
			if err != nil {
				return err
			}
			plan, err := schedule.Build(spec, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, it := range plan.Items() {
				fmt.Fprintf(out, "%-6s +%s\n", it.Label, it.Delay)
			}
			category := plan.Category
			if category == "" {
				category = "all"
			}
			fmt.Fprintf(out, "%d draws from %q over %s\n", len(plan.Delays), category, plan.Span())
			return nil
		},
	}
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
