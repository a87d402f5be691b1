package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/meetingnotes/internal/config"
	"github.com/agentworkforce/meetingnotes/internal/notes"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(appDeps{}).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(deps appDeps) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "meetingnotes",
		Short:        "Summarize meeting transcripts from Drive and email the notes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("MEETINGNOTES_CONFIG"), "YAML config file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config")

	root.AddCommand(
		newServeCommand(opts, deps),
		newRenewCommand(opts, deps),
		newPollCommand(opts, deps),
		newProcessCommand(opts, deps),
		newVersionCommand(),
	)
	return root
}

func loadConfig(opts *rootOptions, stderr io.Writer) (config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(opts.envFiles...); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := config.NewLogger(cfg.Logging, stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func withApp(cmd *cobra.Command, opts *rootOptions, deps appDeps, run func(*app) error) error {
	cfg, logger, err := loadConfig(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, logger, deps)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(); closeErr != nil {
			logger.Warn("shutdown_close_failed", "error", closeErr)
		}
	}()
	return run(a)
}

func newServeCommand(opts *rootOptions, deps appDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP endpoint, the task workers and the renewal schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, deps, func(a *app) error {
				ctx := cmd.Context()
				if err := a.startBackground(ctx); err != nil {
					return err
				}
				srv := &http.Server{Addr: a.cfg.Server.Addr, Handler: a.server()}
				errCh := make(chan error, 1)
				go func() {
					a.logger.Info("meetingnotes listening", "addr", a.cfg.Server.Addr, "users", len(a.users.Users()))
					errCh <- srv.ListenAndServe()
				}()
				select {
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
				defer cancel()
				a.logger.Info("meetingnotes shutting down")
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
}

func newRenewCommand(opts *rootOptions, deps appDeps) *cobra.Command {
	var users []string
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew the change-feed subscriptions once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, deps, func(a *app) error {
				if len(users) > 0 {
					for _, user := range notes.CleanUsers(users) {
						if err := a.renewer.Renew(cmd.Context(), user); err != nil {
							return fmt.Errorf("renew %s: %w", user, err)
						}
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{"renewed": notes.CleanUsers(users)})
				}
				report := a.renewer.RenewAll(cmd.Context())
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if len(report.Failed) > 0 {
					return fmt.Errorf("%d subscriptions failed to renew", len(report.Failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&users, "user", nil, "renew only these users")
	return cmd
}

func newPollCommand(opts *rootOptions, deps appDeps) *cobra.Command {
	var (
		user      string
		pageToken string
	)
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Read a user's change feed from the saved cursor and enqueue new transcripts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == "" {
				return fmt.Errorf("%w: --user is required", notes.ErrInvalidInput)
			}
			return withApp(cmd, opts, deps, func(a *app) error {
				result, err := a.cursors.Poll(cmd.Context(), user, pageToken, func(ctx context.Context, event notes.TranscriptEvent) error {
					_, err := a.intake.Enqueue(ctx, event)
					return err
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "workspace user whose feed is read")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "page token used when no cursor is saved")
	return cmd
}

func newProcessCommand(opts *rootOptions, deps appDeps) *cobra.Command {
	var event notes.TranscriptEvent
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Summarize one transcript document and email its participants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if event.DocumentID == "" || event.OwnerEmail == "" {
				return fmt.Errorf("%w: --document-id and --owner are required", notes.ErrInvalidInput)
			}
			return withApp(cmd, opts, deps, func(a *app) error {
				result, err := a.processor.Process(cmd.Context(), event)
				if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&event.DocumentID, "document-id", "", "Drive document id")
	cmd.Flags().StringVar(&event.OwnerEmail, "owner", "", "owner of the transcript")
	cmd.Flags().StringVar(&event.Title, "title", "", "document title used in the subject")
	cmd.Flags().StringVar(&event.Link, "link", "", "document link used in the email")
	return cmd
}

func newVersionCommand() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "meetingnotes %s (%s, %s)\n", version, commit, buildDate)
			return err
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
