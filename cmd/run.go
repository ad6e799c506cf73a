package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/datafetch/internal/pipeline"
)

// ErrRunFailed is returned when no source produced data.
var ErrRunFailed = errors.New("no source produced data")

const defaultPreviewRows = 20

func newRunCommand(v *viper.Viper) *cobra.Command {
	var (
		req     pipeline.Request
		output  string
		preview int
	)

	cmd := &cobra.Command{
		Use:   "run [url]",
		Short: "Extract a table from a source or URL",
		Long: `Extract a table from a configured source (--source) or an explicit URL.
Fallback sources are tried in order until one yields data.`,
		Example: `  datafetch run --source coingecko/bitcoin --fallback cryptocompare/btc
  datafetch run https://example.com/markets --browser static --output json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.URL = args[0]
			}
			if output != "table" && output != "json" {
				return fmt.Errorf("unknown output format %q", output)
			}

			app, err := newApp(v)
			if err != nil {
				return err
			}
			defer closeApp(app)

			out, err := app.Orchestrator.Run(cmd.Context(), req)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output == "json" {
				err = writeJSON(w, out)
			} else {
				renderOutcome(w, out, preview)
			}
			if err != nil {
				return err
			}
			if !out.Success {
				return ErrRunFailed
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&req.Source, "source", "s", "", "configured source name")
	flags.StringSliceVarP(&req.Fallbacks, "fallback", "f", nil, "fallback source names, in order")
	flags.BoolVar(&req.OverrideCompliance, "override-compliance", false, "fetch even when the source is disallowed")
	flags.BoolVar(&req.Strict, "strict", false, "report validation warnings as errors")
	flags.BoolVar(&req.Export, "export", false, "write the table to an Excel workbook")
	flags.StringVarP(&output, "output", "o", "table", "output format: table or json")
	flags.IntVar(&preview, "rows", defaultPreviewRows, "rows to print in table output (0 for all)")

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
