package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	app := newApp()

	rootCmd := &cobra.Command{
		Use:           "chat",
		Short:         "Terminal client for the privchat relay",
		Long:          "chat lists the users of a privchat relay, prints conversation history and opens interactive one-to-one conversations.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.load(cmd)
		},
	}

	app.bindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newUsersCmd(app),
		newHistoryCmd(app),
		newOpenCmd(app),
	)

	return rootCmd
}
