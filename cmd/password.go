package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dk8moore/dr-website/internal/models"
)

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Change or reset the account password",
}

var passwordChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the password of the signed in user",
	Long: `Change the password of the signed in user.

With --stdin the current password is read from the first line and the new
password from the second.`,
	RunE: runPasswordChange,
}

var passwordResetCmd = &cobra.Command{
	Use:   "reset <email>",
	Short: "Email a password reset link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			msg, err := d.client.RequestPasswordReset(ctx, args[0])
			if err != nil {
				return err
			}
			d.printer.Success("%s", messageOr(msg, "Password reset email sent"))
			d.printer.PrintHints("password reset")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(passwordCmd)
	passwordCmd.AddCommand(passwordChangeCmd, passwordResetCmd)

	passwordChangeCmd.Flags().String("current", "", "current password")
	passwordChangeCmd.Flags().String("new", "", "new password")
	passwordChangeCmd.Flags().Bool("stdin", false, "read current and new password from stdin")
}

func runPasswordChange(cmd *cobra.Command, args []string) error {
	current, _ := cmd.Flags().GetString("current")
	next, _ := cmd.Flags().GetString("new")
	fromStdin, _ := cmd.Flags().GetBool("stdin")

	if fromStdin {
		if current != "" || next != "" {
			return newUsageError("--stdin cannot be combined with --current or --new")
		}
		var err error
		current, next, err = readPasswordPair(cmd)
		if err != nil {
			return err
		}
	}

	return withDeps(cmd, func(ctx context.Context, d *deps) error {
		msg, err := d.client.ChangePassword(ctx, models.PasswordChangeRequest{
			OldPassword: current,
			NewPassword: next,
		})
		if err != nil {
			return err
		}
		d.printer.Success("%s", messageOr(msg, "Password changed"))
		d.printer.PrintHints("password change")
		return nil
	})
}

func readPasswordPair(cmd *cobra.Command) (string, string, error) {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	var lines []string
	for len(lines) < 2 && scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("reading passwords from stdin: %w", err)
	}
	if len(lines) < 2 {
		return "", "", newUsageError("expected the current and new password on separate lines")
	}
	return lines[0], lines[1], nil
}

func messageOr(msg *models.APIMessage, fallback string) string {
	if text := msg.Text(); text != "" {
		return text
	}
	return fallback
}
