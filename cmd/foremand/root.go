package main

import (
	"github.com/spf13/cobra"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "foremand",
		Short:         "Workflow orchestration daemon",
		Long:          "foremand runs the workflow orchestration core: a durable task queue,\nworker pool tracking, and audited workflow state.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(newRunCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newConfigCommand())

	return root
}
