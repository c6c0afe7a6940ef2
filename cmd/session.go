package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dk8moore/dr-website/internal/driver"
	"github.com/dk8moore/dr-website/internal/handler"
	"github.com/dk8moore/dr-website/internal/models"
	"github.com/dk8moore/dr-website/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the stored session, refreshing it when it is about to expire",
	Long: `Re-validate the stored session. An access token that is expired or
expires within session.refresh_lead is refreshed first.

Exits with code 6 when no valid session remains.`,
	RunE: runStatus,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the access token now",
	RunE:  runRefresh,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the session fresh until interrupted",
	Long: `Check the session immediately and then every session.check_interval.

With the file store, edits to the token file by other processes trigger a
check. --listen serves /healthz, /v1/session and /metrics on status.listen_addr.

Examples:
  drctl watch
  drctl watch --listen --addr 127.0.0.1:9464
  drctl watch --verification           # re-check on every email_verified event
  drctl watch --await-verification     # exit after the account is verified`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(statusCmd, refreshCmd, watchCmd)

	statusCmd.Flags().Bool("json", false, "output as JSON")

	watchCmd.Flags().Bool("listen", false, "serve session status and metrics over HTTP")
	watchCmd.Flags().String("addr", "", "listen address (default status.listen_addr)")
	watchCmd.Flags().Bool("verification", false, "re-check the session on verification events")
	watchCmd.Flags().Bool("await-verification", false, "exit after the first verification event")
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withDeps(cmd, func(ctx context.Context, d *deps) error {
		state := d.session.CheckStatus(ctx)
		resp, err := handler.DescribeSession(ctx, state, d.repo, d.validator)
		if err != nil {
			return fmt.Errorf("failed to read session tokens: %w", err)
		}

		if jsonOutput {
			if err := d.printer.JSON(resp); err != nil {
				return err
			}
		} else if err := printSession(d.printer, resp, d.storeDescription()); err != nil {
			return err
		}

		if !state.IsAuthenticated() {
			return &output.CLIError{
				Summary:    "not signed in",
				Suggestion: "Run 'drctl login' to start a new session",
				ExitCode:   output.ExitAuthError,
			}
		}
		if !jsonOutput {
			d.printer.PrintHints("status")
		}
		return nil
	})
}

func printSession(p *output.Printer, resp handler.SessionResponse, store string) error {
	p.Header("Session")

	expires := "-"
	if resp.ExpiresAt != nil {
		remaining := time.Duration(*resp.ExpiresInSeconds) * time.Second
		expires = fmt.Sprintf("%s (in %s)", resp.ExpiresAt.Local().Format(time.RFC3339), remaining)
		if remaining <= 0 {
			expires = fmt.Sprintf("%s (expired)", resp.ExpiresAt.Local().Format(time.RFC3339))
		}
	}
	checked := "-"
	if resp.CheckedAt != nil {
		checked = resp.CheckedAt.Local().Format(time.RFC3339)
	}
	refresh := "no"
	if resp.HasRefreshToken {
		refresh = "yes"
	}

	table := p.NewTable([]string{"FIELD", "VALUE"})
	table.AddRow("Status", p.StatusBadge(resp.Status))
	table.AddRow("Access expires", expires)
	table.AddRow("Refresh token", refresh)
	table.AddRow("Checked", checked)
	table.AddRow("Store", store)
	return table.Render()
}

func runRefresh(cmd *cobra.Command, args []string) error {
	return withDeps(cmd, func(ctx context.Context, d *deps) error {
		token, err := d.coordinator.Refresh(ctx)
		if err != nil {
			return err
		}
		if token == "" {
			return &output.CLIError{
				Summary:    "no refresh token stored",
				Suggestion: "Run 'drctl login' to start a new session",
				ExitCode:   output.ExitAuthError,
			}
		}
		d.session.MarkLoggedIn()

		if decoded, err := d.validator.Decode(token); err == nil {
			d.printer.Success("Access token refreshed, valid until %s", decoded.ExpiresAt.Local().Format(time.RFC3339))
		} else {
			d.printer.Success("Access token refreshed")
		}
		d.printer.PrintHints("refresh")
		return nil
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetBool("listen")
	addr, _ := cmd.Flags().GetString("addr")
	verification, _ := cmd.Flags().GetBool("verification")
	await, _ := cmd.Flags().GetBool("await-verification")

	if verification && await {
		return newUsageError("--verification and --await-verification are mutually exclusive")
	}
	if addr == "" {
		addr = cfg.Status.ListenAddr
	}

	return withDeps(cmd, func(ctx context.Context, d *deps) error {
		if (verification || await) && d.channel == nil {
			return newUsageError("verification events need api.ws_url")
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)

		states, unsubscribe := d.session.Subscribe()
		defer unsubscribe()

		g.Go(func() error {
			return d.session.Run(gctx)
		})

		g.Go(func() error {
			reportStates(gctx, d.printer, states)
			return nil
		})

		if d.fileRepo != nil {
			g.Go(func() error {
				return d.fileRepo.Watch(gctx, func() {
					d.session.CheckStatus(gctx)
				})
			})
		}

		switch {
		case verification:
			g.Go(func() error {
				err := d.session.WatchVerification(gctx)
				if errors.Is(err, driver.ErrChannelClosed) {
					d.printer.Warning("Verification channel closed by the server; session checks continue")
					return nil
				}
				return err
			})
		case await:
			g.Go(func() error {
				event, err := d.session.AwaitVerification(gctx)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				d.printer.Success("%s", verificationMessage(event))
				cancel()
				return nil
			})
		}

		if listen {
			status := handler.NewStatusHandler(d.session, d.repo, d.validator, log)
			server := handler.NewServer(handler.ServerConfig{
				ServiceName: serviceName,
				Tracing:     cfg.Telemetry.Enabled,
			}, status, d.registry, log)
			d.printer.Info("Serving session status on http://%s", addr)
			g.Go(func() error {
				return handler.Serve(gctx, server, addr, log)
			})
		}

		d.printer.Info("Watching session (Ctrl+C to stop)...")
		return g.Wait()
	})
}

// reportStates prints each status change until ctx is done or the subscription ends
func reportStates(ctx context.Context, p *output.Printer, states <-chan models.SessionState) {
	last := models.StatusUnknown
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if state.Status == last {
				continue
			}
			last = state.Status
			p.Print("%s  %s", time.Now().Format(time.TimeOnly), p.StatusBadge(state.Status.String()))
		}
	}
}
