package cli

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"neo-trader/internal/broker"
	"neo-trader/internal/session"
)

// addAuthCommands adds authentication commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newLogoutCmd(app))
	rootCmd.AddCommand(newSessionCmd(app))
}

// prompt reads one trimmed line from in.
func prompt(in *bufio.Reader, output *Output, label string) (string, error) {
	output.Printf("%s: ", label)
	line, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to Kotak Neo (TOTP, then MPIN)",
		Long: `Run both login steps.

The TOTP is taken from --totp, generated from the configured totp_secret,
or prompted for. The MPIN is taken from --mpin, the configured mpin, or
prompted for. On success the scrip master is loaded.`,
		Example: `  neo-trader login
  neo-trader login --totp 123456 --mpin 654321`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if err := app.bootstrap(ctx); err != nil {
				return err
			}
			creds := app.Config.Credentials
			in := bufio.NewReader(cmd.InOrStdin())

			code, _ := cmd.Flags().GetString("totp")
			if code == "" && creds.TOTPSecret != "" {
				generated, err := broker.GenerateTOTP(creds.TOTPSecret, time.Now())
				if err != nil {
					return err
				}
				code = generated
				output.Dim("Using TOTP generated from configured secret")
			}
			if code == "" {
				var err error
				if code, err = prompt(in, output, "TOTP"); err != nil {
					return err
				}
			}

			if _, err := app.Sessions.BeginLogin(ctx, code); err != nil {
				output.Error("TOTP login failed: %v", err)
				return err
			}
			if !output.IsJSON() {
				output.Success("✓ Step 1 complete")
			}

			mpin, _ := cmd.Flags().GetString("mpin")
			if mpin == "" {
				mpin = creds.MPIN
			}
			if mpin == "" {
				var err error
				if mpin, err = prompt(in, output, "MPIN"); err != nil {
					return err
				}
			}

			st2, err := app.Sessions.CompleteLogin(ctx, mpin)
			if err != nil {
				output.Error("MPIN validation failed: %v", err)
				return err
			}

			records, err := app.Catalog.Reload(ctx)
			if err != nil {
				output.Warning("Logged in, but the scrip master failed to load: %v", err)
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"status":      app.Sessions.Status(),
					"instruments": records,
				})
			}
			output.Success("✓ Logged in")
			output.Printf("  Base URL:    %s\n", st2.BaseURL)
			output.Printf("  Data center: %s\n", st2.DataCenter)
			output.Printf("  Instruments: %d\n", records)
			return nil
		},
	}

	cmd.Flags().String("totp", "", "6-digit TOTP")
	cmd.Flags().String("mpin", "", "6-digit MPIN")
	return cmd
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the session and remove its snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := context.Background()
			if err := app.bootstrap(ctx); err != nil {
				return err
			}
			if err := app.Sessions.Clear(ctx); err != nil {
				output.Error("Logout failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"logged_out": true})
			}
			output.Success("✓ Logged out")
			return nil
		},
	}
}

func newSessionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Show the current session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.bootstrap(context.Background()); err != nil {
				return err
			}
			st := app.Sessions.Status()
			if output.IsJSON() {
				return output.JSON(st)
			}
			showSessionStatus(output, st)
			return nil
		},
	}
}

func showSessionStatus(output *Output, st session.Status) {
	mark := func(ok bool) string {
		if ok {
			return output.Green("yes")
		}
		return output.Red("no")
	}
	output.Bold("Session")
	output.Printf("  Step 1 (TOTP): %s\n", mark(st.Stage1))
	output.Printf("  Step 2 (MPIN): %s\n", mark(st.Stage2))
	if st.BaseURL != "" {
		output.Printf("  Base URL:      %s\n", st.BaseURL)
	}
	if st.DataCenter != "" {
		output.Printf("  Data center:   %s\n", st.DataCenter)
	}
	if !st.UpdatedAt.IsZero() {
		output.Printf("  Updated:       %s\n", st.UpdatedAt.Format(time.RFC3339))
	}
	if !st.Stage2 {
		output.Println()
		output.Info("Run 'neo-trader login' to authenticate")
	}
}
