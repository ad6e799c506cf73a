package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/datafetch/internal/bootstrap"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the extraction API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(v)
			if err != nil {
				return err
			}
			defer closeApp(app)

			if addr := v.GetString("server.address"); addr != "" {
				app.Config.Server.Address = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return bootstrap.Serve(ctx, app)
		},
	}

	cmd.Flags().String("addr", "", "listen address (overrides server.address)")
	_ = v.BindPFlag("server.address", cmd.Flags().Lookup("addr"))
	return cmd
}
