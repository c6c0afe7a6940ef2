package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dk8moore/dr-website/internal/models"
	"github.com/dk8moore/dr-website/internal/output"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update the signed in user's profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			profile, err := d.client.GetProfile(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return d.printer.JSON(profile)
			}
			if err := printProfile(d.printer, profile); err != nil {
				return err
			}
			d.printer.PrintHints("profile show")
			return nil
		})
	},
}

var profileUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update profile fields",
	Long: `Update profile fields. Only flags that are given are sent.

Examples:
  drctl profile update --bio "Hiker" --birth-date 1990-04-01
  drctl profile update --picture ./me.png`,
	RunE: runProfileUpdate,
}

// profileFields maps flag names onto the update fields they set
var profileFields = []struct {
	flag  string
	usage string
	field func(u *models.ProfileUpdate) **string
}{
	{"username", "username", func(u *models.ProfileUpdate) **string { return &u.Username }},
	{"email", "email address", func(u *models.ProfileUpdate) **string { return &u.Email }},
	{"first-name", "first name", func(u *models.ProfileUpdate) **string { return &u.FirstName }},
	{"last-name", "last name", func(u *models.ProfileUpdate) **string { return &u.LastName }},
	{"bio", "short biography", func(u *models.ProfileUpdate) **string { return &u.Bio }},
	{"birth-date", "birth date as YYYY-MM-DD", func(u *models.ProfileUpdate) **string { return &u.BirthDate }},
	{"phone", "phone number", func(u *models.ProfileUpdate) **string { return &u.PhoneNumber }},
	{"address", "postal address", func(u *models.ProfileUpdate) **string { return &u.Address }},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileShowCmd, profileUpdateCmd)

	profileShowCmd.Flags().Bool("json", false, "output as JSON")

	for _, f := range profileFields {
		profileUpdateCmd.Flags().String(f.flag, "", f.usage)
	}
	profileUpdateCmd.Flags().String("picture", "", "path to a profile picture to upload")
	profileUpdateCmd.Flags().Bool("json", false, "output as JSON")
}

func runProfileUpdate(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	picture, _ := cmd.Flags().GetString("picture")

	var update models.ProfileUpdate
	for _, f := range profileFields {
		if !cmd.Flags().Changed(f.flag) {
			continue
		}
		value, _ := cmd.Flags().GetString(f.flag)
		*f.field(&update) = &value
	}

	if picture != "" {
		file, err := os.Open(picture)
		if err != nil {
			return &output.CLIError{
				Summary:  "cannot read profile picture",
				Detail:   err.Error(),
				ExitCode: output.ExitUsageError,
				Err:      err,
			}
		}
		defer file.Close()
		update.Picture = file
		update.PictureName = filepath.Base(picture)
	}

	if update.IsEmpty() {
		return newUsageError("nothing to update: pass at least one field flag or --picture")
	}

	return withDeps(cmd, func(ctx context.Context, d *deps) error {
		profile, err := d.client.UpdateProfile(ctx, update)
		if err != nil {
			return err
		}
		if jsonOutput {
			return d.printer.JSON(profile)
		}
		d.printer.Success("Profile updated")
		if err := printProfile(d.printer, profile); err != nil {
			return err
		}
		d.printer.PrintHints("profile update")
		return nil
	})
}

func printProfile(p *output.Printer, profile *models.UserProfile) error {
	p.Header(profile.DisplayName())

	table := p.NewTable([]string{"FIELD", "VALUE"})
	table.AddRow("ID", fmt.Sprintf("%d", profile.ID))
	table.AddRow("Username", profile.Username)
	table.AddRow("Email", profile.Email)
	table.AddRow("Name", profile.FirstName+" "+profile.LastName)
	table.AddRow("Bio", orDash(profile.Bio))
	table.AddRow("Birth date", orDash(profile.BirthDate))
	table.AddRow("Phone", orDash(profile.PhoneNumber))
	table.AddRow("Address", orDash(profile.Address))
	table.AddRow("Picture", orDash(profile.ProfilePicture))
	return table.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
