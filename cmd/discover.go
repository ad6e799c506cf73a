package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/datafetch/internal/browser"
	"github.com/jonesrussell/north-cloud/datafetch/internal/logger"
)

func newDiscoverCommand(v *viper.Viper) *cobra.Command {
	var (
		waitFor string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "discover <url>",
		Short: "Load a page and rank the captured exchanges that may carry data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(v)
			if err != nil {
				return err
			}
			defer closeApp(app)

			url := args[0]
			page, err := app.Loader.Load(cmd.Context(), url, browser.HintsFor(url, waitFor))
			if err != nil {
				return err
			}
			candidates := app.Analyzer.Analyze(page.Exchanges)
			app.Log.Debug("Discovery complete",
				logger.String("url", url),
				logger.Int("exchanges", len(page.Exchanges)),
				logger.Int("candidates", len(candidates)),
			)

			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), candidates)
			}
			renderCandidates(cmd.OutOrStdout(), page, candidates)
			return nil
		},
	}

	cmd.Flags().StringVar(&waitFor, "wait-for", "", "CSS selector to wait for before capturing")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}
