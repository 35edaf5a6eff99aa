package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davanti/abtrack/internal/signing"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the digest accepted as password_hash by /api/stats",
	Long: `Print the hex SHA-256 digest of the admin password. Dashboards can send
this value as password_hash instead of the plain password.

The password is prompted for when not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			var err error
			if password, err = promptSecret("Password"); err != nil {
				return err
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), signing.HashPassword(password))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
