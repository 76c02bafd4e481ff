package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"libraryhub/internal/util"
	"libraryhub/pkg/queue"
	"libraryhub/services/library/internal/bootstrap"
	"libraryhub/services/library/internal/config"
)

type runtimeOpener func(configPath string) (*bootstrap.Runtime, error)

func openFromConfig(configPath string) (*bootstrap.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	util.InitLogger(cfg.LogLevel)
	return bootstrap.Open(cfg)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, cleanup := newRootCmd(openFromConfig)
	err := root.ExecuteContext(ctx)
	cleanup()
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the operator CLI. Every command runs against the same core
// the HTTP service uses, so lending rules and locks apply unchanged. The
// returned cleanup releases whatever the invoked command opened.
func newRootCmd(open runtimeOpener) (*cobra.Command, func()) {
	var (
		configPath string
		timeout    time.Duration
		rt         *bootstrap.Runtime
		cancel     context.CancelFunc = func() {}
	)
	cleanup := func() {
		cancel()
		if rt != nil {
			if err := rt.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "close runtime: %v\n", err)
			}
			rt = nil
		}
	}
	root := &cobra.Command{
		Use:           "libraryctl",
		Short:         "Operate the library lending service",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			rt, err = open(configPath)
			if err != nil {
				return fmt.Errorf("open runtime: %w", err)
			}
			if timeout > 0 {
				var ctx context.Context
				ctx, cancel = context.WithTimeout(cmd.Context(), timeout)
				cmd.SetContext(ctx)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.ResolvePath(), "path to config.yaml")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command timeout (0 disables)")

	root.AddCommand(
		&cobra.Command{
			Use:   "borrow <member-id> <book-id>",
			Short: "Lend a book to a member",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				loan, err := rt.App.Borrow(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), loan)
			},
		},
		&cobra.Command{
			Use:   "return <member-id> <book-id>",
			Short: "Return a book on behalf of its borrower",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				loan, err := rt.App.Return(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), loan)
			},
		},
		newFeatureCmd(&rt),
		newEventsCmd(&rt),
		&cobra.Command{
			Use:   "featured",
			Short: "List featured authors",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				authors, err := rt.App.FeaturedAuthors(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), authors)
			},
		},
		&cobra.Command{
			Use:   "loans <member-id>",
			Short: "List a member's current loans",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				books, err := rt.App.MemberLoans(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), books)
			},
		},
		&cobra.Command{
			Use:   "overdue",
			Short: "List loans past their due date",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				books, err := rt.App.OverdueLoans(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), books)
			},
		},
		&cobra.Command{
			Use:   "token <member-id>",
			Short: "Mint a member access token for local use",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				member, err := rt.App.GetMember(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				token, err := rt.TokenVerifier.Issue(member.ID)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
				return err
			},
		},
	)
	return root, cleanup
}

func newFeatureCmd(rt **bootstrap.Runtime) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "feature <author-id>",
		Short: "Feature an author (or unfeature with --off)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			author, err := (*rt).App.SetFeatured(cmd.Context(), args[0], !off)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), author)
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "remove the author from the featured set")
	return cmd
}

func newEventsCmd(rt **bootstrap.Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Print lending events from the Redis stream until interrupted or timed out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stream := (*rt).Events
			if stream == nil {
				return errors.New("events require redisAddr in config")
			}
			out := cmd.OutOrStdout()
			return stream.Consume(cmd.Context(), func(_ context.Context, ev queue.Event) error {
				return json.NewEncoder(out).Encode(ev)
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
