package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSourcesCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and the adapter each resolves to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(v)
			if err != nil {
				return err
			}
			defer closeApp(app)

			adapters := make(map[string]bool)
			for _, t := range app.Registry.Types() {
				adapters[t] = true
			}
			renderSources(cmd.OutOrStdout(), app.Catalog.List(), adapters)
			return nil
		},
	}
}
