package cmd

import (
	"fmt"

	"github.com/keyward/authserver/pkg/authzserver"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(secretHashCmd)
}

var secretHashCmd = &cobra.Command{
	Use:   "secret-hash [secret]",
	Short: "Hashes the given client secret for the configuration file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		secret := args[0]
		hashed, err := authzserver.HashSecret(secret)
		cobra.CheckErr(err)
		fmt.Println(hashed)
	},
}
