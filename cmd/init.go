package cmd

import (
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/CodingWithBoris/Chillers-Bot/chillers"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// secretReader is a function type for reading secret values without echo.
// It's really only here to make testing easier.
type secretReader func() ([]byte, error)

var customSecretReader secretReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and store the VRChat session cookies",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable CB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable CB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		if _, err := chillers.CreateDB(ctx, cfg.DatabaseType, cfg.Database); err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()
		secretsFile := cfg.VRChat.SecretsFile
		if _, err := os.Stat(secretsFile); err == nil {
			fmt.Fprintf(out, "VRChat session cookies already stored at %s.\n", secretsFile)
			fmt.Fprintln(
				out,
				"Initialization complete. You can now start the bot with the 'run' subcommand.",
			)
			return
		}

		fmt.Fprintln(out, "VRChat session cookies are not set. Let's set them up.")
		fmt.Fprintln(
			out,
			"Log in to vrchat.com in a browser and copy the 'auth' and "+
				"'twoFactorAuth' cookie values.",
		)

		if customSecretReader == nil {
			customSecretReader = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		fmt.Fprint(out, "Enter auth cookie: ")
		authCookie, err := customSecretReader()
		if err != nil {
			log.Fatalf("Error reading auth cookie: %v", err)
		}
		fmt.Fprintln(out)

		fmt.Fprint(out, "Enter twoFactorAuth cookie: ")
		twoFactorCookie, err := customSecretReader()
		if err != nil {
			log.Fatalf("Error reading twoFactorAuth cookie: %v", err)
		}
		fmt.Fprintln(out)

		if len(authCookie) == 0 {
			log.Fatal("auth cookie must not be empty")
		}

		if err = chillers.WriteVRChatSecrets(
			secretsFile,
			string(authCookie),
			string(twoFactorCookie),
		); err != nil {
			log.Fatalf("Error writing secrets file: %v", err)
		}
		fmt.Fprintf(out, "VRChat session cookies stored at %s.\n", secretsFile)

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
