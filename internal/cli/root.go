// Package cli is the hostbot command line: the daemon itself plus a few
// offline tools that read the same config.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hostbot",
	Short: "Host uploaded bot scripts and broadcast through their tokens",
	Long: `hostbot keeps a tree of uploaded scripts, runs each one as a supervised
child process and is driven by its owners over a Telegram control bot.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	def := os.Getenv("HOSTBOT_CONFIG")
	if def == "" {
		def = "./config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", def, "config file (JSON or YAML); env HOSTBOT_CONFIG")
}
