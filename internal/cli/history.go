package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/dualterm/internal/db"
	"github.com/remote-agent-terminal/dualterm/internal/model"
	"github.com/remote-agent-terminal/dualterm/internal/repository"
)

const previewWidth = 40

func (a *app) openHistory() (*repository.ConnectionRepository, func(), error) {
	database, err := db.InitDB(a.cfg.History.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	return repository.NewConnectionRepository(database), db.ResetDB, nil
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		agent  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past terminal sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeDB, err := a.openHistory()
			if err != nil {
				return err
			}
			defer closeDB()

			records, err := repo.List(cmd.Context(), agent, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if records == nil {
					records = []*model.SessionRecord{}
				}
				return enc.Encode(records)
			}
			return printHistory(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show (0 for all)")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "only sessions with this agent")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(newHistoryPruneCmd(a))
	return cmd
}

func newHistoryPruneCmd(a *app) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeDB, err := a.openHistory()
			if err != nil {
				return err
			}
			defer closeDB()

			if !cmd.Flags().Changed("keep") {
				keep = a.cfg.History.Keep
			}
			n, err := repo.Prune(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sessions.\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 0, "number of sessions to keep (default history.keep)")
	return cmd
}

func printHistory(w io.Writer, records []*model.SessionRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No sessions recorded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tAGENT\tSTATE\tRECONNECTS\tSTARTED\tLAST LINE")
	for _, r := range records {
		agent := r.AgentID
		if agent == "" {
			agent = "-"
		}
		state := r.State
		if r.LastError != "" && r.State == model.StateFailed.String() {
			state += " (" + truncate(r.LastError, previewWidth) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.ID),
			r.Mode,
			agent,
			state,
			r.Reconnects,
			r.CreatedAt.Local().Format(time.DateTime),
			truncate(r.PreviewLine, previewWidth),
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
