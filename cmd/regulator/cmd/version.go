package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  `Display the current version of the regulator CLI.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("regulator version %s\n", version)
		fmt.Println("Multi-account trade regulation engine")
		fmt.Println("https://github.com/cipherflows/regulator")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
