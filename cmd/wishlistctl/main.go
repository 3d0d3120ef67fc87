package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/app"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/config"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd(func() (*app.App, error) {
		return app.Build(config.LoadConfig())
	})
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type builder func() (*app.App, error)

// newRootCmd assembles the command tree. build is called once per command.
func newRootCmd(build builder) *cobra.Command {
	root := &cobra.Command{
		Use:          "wishlistctl",
		Short:        "Inspect and maintain the wishlist platform cache",
		SilenceUsage: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cached record count and oldest entry",
			Args:  cobra.NoArgs,
			RunE: withApp(build, func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
				stats, err := a.Resolver.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, stats)
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached record",
			Args:  cobra.NoArgs,
			RunE: withApp(build, func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
				removed, err := a.Resolver.ClearCache(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "removed %d records\n", removed)
				return err
			}),
		},
		&cobra.Command{
			Use:   "resolve <identifier> <name>",
			Short: "Resolve platform availability for one game",
			Args:  cobra.ExactArgs(2),
			RunE: withApp(build, func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
				resolution, err := a.Resolver.Resolve(ctx, models.GameRef{Identifier: args[0], Name: args[1]})
				if err != nil {
					return err
				}
				return printJSON(out, resolution)
			}),
		},
		&cobra.Command{
			Use:   "refresh <identifier> <name>",
			Short: "Drop the cached record for one game and resolve it again",
			Args:  cobra.ExactArgs(2),
			RunE: withApp(build, func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
				resolution, err := a.Resolver.ForceRefresh(ctx, models.GameRef{Identifier: args[0], Name: args[1]})
				if err != nil {
					return err
				}
				return printJSON(out, resolution)
			}),
		},
		&cobra.Command{
			Use:   "completion-time <identifier> <name>",
			Short: "Look up completion time estimates for one game",
			Args:  cobra.ExactArgs(2),
			RunE: withApp(build, func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
				value, err := a.Resolver.CompletionTime(ctx, models.GameRef{Identifier: args[0], Name: args[1]})
				if err != nil {
					return err
				}
				return printJSON(out, value)
			}),
		},
		&cobra.Command{
			Use:   "review-score <identifier> <name>",
			Short: "Look up the critic review score for one game",
			Args:  cobra.ExactArgs(2),
			RunE: withApp(build, func(ctx context.Context, a *app.App, out io.Writer, args []string) error {
				value, err := a.Resolver.ReviewScore(ctx, models.GameRef{Identifier: args[0], Name: args[1]})
				if err != nil {
					return err
				}
				return printJSON(out, value)
			}),
		},
		&cobra.Command{
			Use:   "health",
			Short: "Check the store and report component metrics",
			Args:  cobra.NoArgs,
			RunE: withApp(build, func(ctx context.Context, a *app.App, out io.Writer, _ []string) error {
				if err := a.HealthCheck(ctx); err != nil {
					return fmt.Errorf("store unhealthy: %w", err)
				}
				fmt.Fprintf(out, "store: ok (%s)\n", a.Config.Unified.Store.Driver)
				return printJSON(out, a.Registry.Snapshots())
			}),
		},
	)
	return root
}

func withApp(build builder, run func(ctx context.Context, a *app.App, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := build()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		return run(ctx, a, cmd.OutOrStdout(), args)
	}
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
