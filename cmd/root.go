// Package cmd implements the datafetch command-line interface.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/datafetch/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/datafetch/internal/config"
)

// Version is set at build time.
var Version = "dev"

// NewRootCommand builds the command tree. Each call returns a fresh tree
// bound to its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "datafetch",
		Short:         "Adaptive tabular data extraction",
		Long:          `Fetch tabular data from configured sources or arbitrary pages, falling back across extraction strategies and sources.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default is $CONFIG_PATH or ./config.yml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("browser", "", "page loader: chrome or static")
	flags.String("sources", "", "sources file (overrides sources_file)")

	for key, flag := range map[string]string{
		"config":         "config",
		"logging.level":  "log-level",
		"debug":          "debug",
		"browser.engine": "browser",
		"sources_file":   "sources",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	_ = v.BindEnv("config", "CONFIG_PATH")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "datafetch version %s\n", Version)
			},
		},
		newRunCommand(v),
		newDiscoverCommand(v),
		newSourcesCommand(v),
		newServeCommand(v),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString("config")
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level := v.GetString("logging.level"); level != "" {
		cfg.Logging.Level = level
	}
	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	if engine := v.GetString("browser.engine"); engine != "" {
		cfg.Browser.Engine = strings.ToLower(engine)
	}
	if file := v.GetString("sources_file"); file != "" {
		cfg.SourcesFile = file
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// newApp loads configuration and wires the application.
func newApp(v *viper.Viper) (*bootstrap.App, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := bootstrap.CreateLogger(cfg, Version)
	if err != nil {
		return nil, err
	}
	app, err := bootstrap.New(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return app, nil
}

func closeApp(app *bootstrap.App) {
	_ = app.Close()
	_ = app.Log.Sync()
}
