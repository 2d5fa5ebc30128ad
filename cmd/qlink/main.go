// Command qlink serves and connects to qlink endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/progrium/qlink-go/config"
	"github.com/progrium/qlink-go/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	config    string
	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qlink: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:   "qlink",
		Short: "Encrypted multiplexed channels over any byte stream",
		Long: `qlink is a utility for working with qlink endpoints.

Endpoints are URLs whose scheme picks the transport (tcp, unix, ws,
quic, ssh, stdio). Query parameters override configuration fields,
for example tcp://127.0.0.1:7000?max_frame_size=16384.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format (console, json)")

	root.AddCommand(
		serveCmd(&flags),
		catCmd(&flags),
		keygenCmd(),
		versionCmd(),
	)
	return root
}

// setup loads the configuration and builds the logger for a command.
func setup(flags *globalFlags) (config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if flags.config != "" {
		var err error
		cfg, err = config.Load(flags.config)
		if err != nil {
			return cfg, nil, err
		}
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}
