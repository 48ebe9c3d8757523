package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/dualterm/internal/buffer"
	"github.com/remote-agent-terminal/dualterm/internal/config"
	"github.com/remote-agent-terminal/dualterm/internal/db"
	"github.com/remote-agent-terminal/dualterm/internal/manager"
	"github.com/remote-agent-terminal/dualterm/internal/recorder"
	"github.com/remote-agent-terminal/dualterm/internal/repository"
	"github.com/remote-agent-terminal/dualterm/internal/resolver"
	"github.com/remote-agent-terminal/dualterm/internal/session"
	"github.com/remote-agent-terminal/dualterm/internal/transport"
	"github.com/remote-agent-terminal/dualterm/internal/widget"
)

type connectFlags struct {
	url       string
	pageURL   string
	mode      string
	agent     string
	record    bool
	noHistory bool
}

// apply copies the flags the user set over the loaded config.
func (f connectFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Server.BaseURL = f.url
	}
	if flags.Changed("page-url") {
		cfg.Server.PageURL = f.pageURL
	}
	if flags.Changed("mode") {
		cfg.Session.Mode = f.mode
	}
	if f.agent != "" {
		cfg.Session.Agent = f.agent
	}
	if flags.Changed("record") {
		cfg.Recording.Enabled = f.record
	}
	if f.noHistory {
		cfg.History.Enabled = false
	}
}

func newConnectCmd(a *app) *cobra.Command {
	var f connectFlags

	cmd := &cobra.Command{
		Use:   "connect [agent]",
		Short: "Attach this terminal to a remote agent shell",
		Long: "connect resolves the transport (flag, page URL query, then the negotiation endpoint), " +
			"opens the session and forwards the local terminal until the remote shell exits or the detach key is pressed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.agent = args[0]
			}
			f.apply(cmd, &a.cfg)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			if err := a.initLogger(false, nil); err != nil {
				return err
			}
			return runConnect(cmd.Context(), a, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&f.url, "url", "u", "", "terminal server base URL")
	cmd.Flags().StringVar(&f.pageURL, "page-url", "", "URL whose mode and agent query parameters select the transport")
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "transport: socket (ws) or broker (mqtt); negotiated when empty")
	cmd.Flags().StringVarP(&f.agent, "agent", "a", "", "remote agent id")
	cmd.Flags().BoolVar(&f.record, "record", false, "record the session as an asciinema cast")
	cmd.Flags().BoolVar(&f.noHistory, "no-history", false, "do not write the connection history")

	return cmd
}

func runConnect(ctx context.Context, a *app, in, out *os.File) error {
	cfg := a.cfg
	log := a.log

	r, err := resolver.New(resolver.Options{
		BaseURL:           cfg.Server.BaseURL,
		PageURL:           cfg.Server.PageURL,
		NegotiatePath:     cfg.Server.NegotiatePath,
		TerminalPath:      cfg.Server.TerminalPath,
		BrokerConnectPath: cfg.Server.BrokerConnectPath,
		Timeout:           cfg.Server.NegotiateTimeout.Duration,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	res := r.Resolve(ctx, cfg.Session.Mode, cfg.Session.Agent)

	m := manager.New(manager.Options{
		Factory: transport.NewFactory(
			transport.SocketOptions{OpenTimeout: cfg.Socket.OpenTimeout.Duration, Logger: log},
			transport.BrokerOptions{OpenTimeout: cfg.Broker.OpenTimeout.Duration, Namespace: cfg.Broker.Namespace, Logger: log},
		),
		Retry: manager.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Duration,
			MaxDelay:    cfg.Retry.MaxDelay.Duration,
		},
		KeepAlive: cfg.Session.KeepAlive.Duration,
		Logger:    log,
	})

	detachKey, err := config.ParseKey(cfg.Session.DetachKey)
	if err != nil {
		return err
	}
	tty := widget.New(in, out, widget.Options{DetachKey: detachKey, Logger: log})

	opts := session.Options{
		Widget:     tty,
		Scrollback: buffer.NewRingBuffer(cfg.Session.Scrollback),
		Grace:      cfg.Session.Grace.Duration,
		Logger:     log,
	}

	if cfg.History.Enabled {
		database, err := db.InitDB(cfg.History.DBPath)
		if err != nil {
			log.Warn().Err(err).Msg("connection history disabled")
		} else {
			repo := repository.NewConnectionRepository(database)
			opts.Journal = repo
			defer func() {
				if n, err := repo.Prune(context.Background(), cfg.History.Keep); err != nil {
					log.Warn().Err(err).Msg("prune history")
				} else if n > 0 {
					log.Debug().Int64("removed", n).Msg("pruned history")
				}
				db.CloseDB()
			}()
		}
	}

	if cfg.Recording.Enabled {
		path := castPath(cfg.Recording.Dir, res.AgentID, time.Now())
		rec, err := recorder.Create(path, tty.Size(), res.AgentID)
		if err != nil {
			return err
		}
		opts.Recorder = rec
		fmt.Fprintf(out, "Recording to %s\r\n", path)
	}

	fmt.Fprintf(out, "Connecting to %s over %s (%s)...\r\n", agentLabel(res.AgentID), res.Mode, res.Source)
	if detachKey != 0 {
		fmt.Fprintf(out, "Press %s to detach.\r\n", cfg.Session.DetachKey)
	}

	sess := session.New(m, opts)
	if g := tty.Size(); g.Valid() {
		sess.HandleResize(g.Rows, g.Cols)
	}

	restore, err := tty.MakeRaw()
	if err != nil {
		return err
	}
	defer restore()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.Coordinator().WatchSignals(ctx)

	if err := sess.Start(ctx, res.Mode, res.Target()); err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- tty.Run(ctx, sess)
	}()

	var result error
	select {
	case result = <-runErr:
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Session.Grace.Duration+time.Second)
		if err := sess.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("close did not finish in time")
		}
		closeCancel()
	case <-sess.Done():
	}
	<-sess.Done()

	if errors.Is(result, widget.ErrDetached) {
		io.WriteString(out, "\r\n[detached]\r\n")
		return nil
	}
	return result
}

func agentLabel(agentID string) string {
	if agentID == "" {
		return "the default agent"
	}
	return "agent " + agentID
}

// castPath names a recording after its start time and agent.
func castPath(dir, agentID string, start time.Time) string {
	name := start.Format("20060102-150405")
	if agentID != "" {
		name += "-" + filepath.Base(agentID)
	}
	return filepath.Join(dir, name+".cast")
}
