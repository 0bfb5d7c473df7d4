package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnsearch/cmd/turnsearch/cmds"
	"github.com/go-go-golems/turnsearch/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:           "turnsearch",
	Short:         "turnsearch is a conversational product search front end",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// logging flags are only known once cobra parsed the command line
		return cmds.InitLogging(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		cmds.CloseLogging()
	},
}

func main() {
	config.AddFlags(rootCmd)
	rootCmd.AddCommand(
		cmds.NewServeCommand(),
		cmds.NewQueryCommand(),
		cmds.NewChatsCommand(),
		cmds.NewConfigCommand(),
	)
	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
