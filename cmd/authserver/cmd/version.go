package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/keyward/authserver/pkg/authzserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("authserver v%s\n", authzserver.Version)
		configFile := viper.GetString("config_file")
		expanded, err := filepath.Abs(configFile)
		if err != nil {
			fmt.Printf("Error expanding config file: %s\n", err)
		} else {
			fmt.Println("Config file:", expanded)
		}
	},
}
