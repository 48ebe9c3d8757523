// Package cli implements the termclient command line.
package cli

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/dualterm/internal/config"
	"github.com/remote-agent-terminal/dualterm/internal/observability"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

const appName = "termclient"

// app carries state shared by the subcommands.
type app struct {
	configPath string
	logLevel   string

	cfg       config.Config
	log       zerolog.Logger
	logCloser io.Closer
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	return nil
}

// initLogger logs to the configured file, or to out when toConsole is set.
func (a *app) initLogger(toConsole bool, out io.Writer) error {
	opts := observability.LogOptions{Level: a.cfg.Log.Level, File: a.cfg.Log.File}
	if toConsole {
		opts = observability.LogOptions{Level: a.cfg.Log.Level, Console: true, Out: out}
	}
	logger, closer, err := observability.InitLogger(appName, opts)
	if err != nil {
		return err
	}
	a.log, a.logCloser = logger, closer
	return nil
}

func (a *app) close() {
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd() *cobra.Command {
	a := &app{log: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Remote terminal client over WebSocket or MQTT",
		Long:          "termclient attaches the local terminal to a remote agent shell, choosing a WebSocket or MQTT broker transport by negotiation.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cmd.Name() {
			case "version", "help", "completion":
				return nil
			}
			return a.loadConfig()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newConnectCmd(a),
		newHistoryCmd(a),
		newStubCmd(a),
		newVersionCmd(),
	)

	return rootCmd
}
