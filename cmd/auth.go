package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dk8moore/dr-website/internal/models"
	"github.com/dk8moore/dr-website/internal/output"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session tokens",
	Long: `Exchange email and password for an access/refresh token pair.

The pair is written to the configured store in a single operation.

Examples:
  drctl login --email ann@example.com --password-stdin < pw.txt
  drctl login --email ann@example.com --password s3cret`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session on the server and clear stored tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			if err := d.session.Signout(ctx); err != nil {
				return err
			}
			d.printer.Success("Signed out")
			d.printer.PrintHints("logout")
			return nil
		})
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account",
	Long: `Register a new account. The server sends a verification email; use
--await-verification to block until the account is confirmed.

Examples:
  drctl signup --first-name Ann --last-name Lee --email ann@example.com --password-stdin
  drctl signup ... --await-verification`,
	RunE: runSignup,
}

var verifyEmailCmd = &cobra.Command{
	Use:   "verify-email <key>",
	Short: "Confirm an account with the key from the verification email",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerifyEmail,
}

var resendVerificationCmd = &cobra.Command{
	Use:   "resend-verification <email>",
	Short: "Send a new verification email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			result, err := d.client.ResendVerificationEmail(ctx, args[0])
			if err != nil {
				return err
			}
			if !result.Success {
				return actionFailure(result)
			}
			d.printer.Success("%s", result.Message)
			d.printer.PrintHints("resend-verification")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, signupCmd, verifyEmailCmd, resendVerificationCmd)

	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password (prefer --password-stdin)")
	loginCmd.Flags().Bool("password-stdin", false, "read the password from stdin")
	_ = loginCmd.MarkFlagRequired("email")

	signupCmd.Flags().String("first-name", "", "first name")
	signupCmd.Flags().String("last-name", "", "last name")
	signupCmd.Flags().String("email", "", "account email")
	signupCmd.Flags().String("password", "", "account password (prefer --password-stdin)")
	signupCmd.Flags().Bool("password-stdin", false, "read the password from stdin")
	signupCmd.Flags().Bool("await-verification", false, "wait for the email_verified notification")
	_ = signupCmd.MarkFlagRequired("email")

	verifyEmailCmd.Flags().Bool("notify", false, "broadcast email_verified on the notification channel")
}

func runLogin(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	password, err := passwordFromFlags(cmd)
	if err != nil {
		return err
	}

	return withDeps(cmd, func(ctx context.Context, d *deps) error {
		result, err := d.session.Login(ctx, models.LoginCredentials{Email: email, Password: password})
		if err != nil {
			return err
		}
		if !result.Success {
			cliErr := &output.CLIError{
				Summary:  result.Error,
				ExitCode: output.ExitAuthError,
			}
			if result.NeedsVerification {
				cliErr.Suggestion = fmt.Sprintf("Run 'drctl resend-verification %s' to get a new link", email)
			}
			return cliErr
		}

		d.printer.Success("Signed in as %s", email)
		d.printer.PrintHints("login")
		return nil
	})
}

func runSignup(cmd *cobra.Command, args []string) error {
	firstName, _ := cmd.Flags().GetString("first-name")
	lastName, _ := cmd.Flags().GetString("last-name")
	email, _ := cmd.Flags().GetString("email")
	await, _ := cmd.Flags().GetBool("await-verification")
	password, err := passwordFromFlags(cmd)
	if err != nil {
		return err
	}

	return withDeps(cmd, func(ctx context.Context, d *deps) error {
		result, err := d.client.Register(ctx, models.SignupRequest{
			FirstName: firstName,
			LastName:  lastName,
			Email:     email,
			Password1: password,
			Password2: password,
		})
		if err != nil {
			return err
		}
		if !result.Success {
			return actionFailure(result)
		}
		d.printer.Success("%s", result.Message)

		if !await {
			d.printer.PrintHints("signup")
			return nil
		}

		d.printer.Info("Waiting for email verification (Ctrl+C to stop)...")
		event, err := d.session.AwaitVerification(ctx)
		if err != nil {
			return err
		}
		d.printer.Success("%s", verificationMessage(event))
		d.printer.PrintHints("verify-email")
		return nil
	})
}

func runVerifyEmail(cmd *cobra.Command, args []string) error {
	notify, _ := cmd.Flags().GetBool("notify")

	return withDeps(cmd, func(ctx context.Context, d *deps) error {
		result, err := d.client.VerifyEmail(ctx, args[0])
		if err != nil {
			return err
		}
		if !result.Success {
			return actionFailure(result)
		}
		d.printer.Success("%s", result.Message)

		if notify {
			if d.channel == nil {
				return newUsageError("--notify needs api.ws_url")
			}
			if err := d.channel.Open(ctx); err != nil {
				return err
			}
			event := models.VerificationEvent{Type: models.EventEmailVerified, Message: result.Message}
			if err := d.channel.Send(ctx, event); err != nil {
				return err
			}
			d.printer.Info("Notified listeners on %s", cfg.API.WSURL)
		}

		d.printer.PrintHints("verify-email")
		return nil
	})
}

// passwordFromFlags returns --password, or the first line of stdin with --password-stdin
func passwordFromFlags(cmd *cobra.Command) (string, error) {
	password, _ := cmd.Flags().GetString("password")
	fromStdin, _ := cmd.Flags().GetBool("password-stdin")

	switch {
	case fromStdin && password != "":
		return "", newUsageError("--password and --password-stdin are mutually exclusive")
	case fromStdin:
		return readPassword(cmd.InOrStdin())
	case password == "":
		return "", newUsageError("a password is required: use --password or --password-stdin")
	default:
		return password, nil
	}
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", newUsageError("no password on stdin")
	}
	return password, nil
}

func actionFailure(result *models.ActionResult) error {
	return &output.CLIError{Summary: result.Error, ExitCode: output.ExitAPIError}
}

func verificationMessage(event *models.VerificationEvent) string {
	if event != nil && event.Message != "" {
		return event.Message
	}
	return "Email verified"
}
