package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/dualterm/internal/stub"
)

type stubFlags struct {
	addr        string
	mode        string
	agent       string
	broker      string
	prompt      string
	shell       string
	unavailable bool
}

func newStubCmd(a *app) *cobra.Command {
	var f stubFlags

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Run a local terminal backend for development",
		Long: "stub serves the negotiation and broker connect endpoints and an echo shell over WebSocket, " +
			"so connect can be exercised without a real server.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Stub
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = f.addr
			}
			if flags.Changed("mode") {
				cfg.Mode = f.mode
			}
			if flags.Changed("agent") {
				cfg.Agent = f.agent
			}
			if flags.Changed("broker") {
				cfg.BrokerAddress = f.broker
			}
			if flags.Changed("prompt") {
				cfg.Prompt = f.prompt
			}
			if flags.Changed("shell") {
				cfg.Shell = f.shell
			}

			if err := a.initLogger(true, cmd.ErrOrStderr()); err != nil {
				return err
			}

			s := stub.New(stub.Config{
				Mode:              cfg.Mode,
				AgentID:           cfg.Agent,
				BrokerAddress:     cfg.BrokerAddress,
				BrokerUnavailable: f.unavailable,
				Prompt:            cfg.Prompt,
				Shell:             cfg.Shell,
			}, a.log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.ListenAndServe(ctx, cfg.Addr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.addr, "addr", "", "listen address (default stub.addr)")
	flags.StringVar(&f.mode, "mode", "", "mode returned by negotiation (default stub.mode)")
	flags.StringVar(&f.agent, "agent", "", "agent id returned by negotiation (default stub.agent)")
	flags.StringVar(&f.broker, "broker", "", "MQTT broker address returned by the broker connect endpoint")
	flags.StringVar(&f.prompt, "prompt", "", "prompt written after every echoed line")
	flags.StringVar(&f.shell, "shell", "", "run this program on a pseudo-terminal instead of the echo shell")
	flags.BoolVar(&f.unavailable, "broker-unavailable", false, "answer the broker connect endpoint with available:false")
	return cmd
}
