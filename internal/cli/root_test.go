package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/remote-agent-terminal/dualterm/internal/config"
	"github.com/remote-agent-terminal/dualterm/internal/db"
	"github.com/remote-agent-terminal/dualterm/internal/model"
	"github.com/remote-agent-terminal/dualterm/internal/repository"
)

// writeConfig points history and the log into a temp dir.
func writeConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "history.db")
	cfgPath = filepath.Join(dir, "config.toml")
	body := fmt.Sprintf("[history]\ndb_path = %q\nkeep = 2\n\n[log]\nfile = %q\n", dbPath, filepath.Join(dir, "client.log"))
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, dbPath
}

func seedHistory(t *testing.T, dbPath string, records ...*model.SessionRecord) {
	t.Helper()
	database, err := db.InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer db.ResetDB()

	repo := repository.NewConnectionRepository(database)
	for _, r := range records {
		if err := repo.Create(context.Background(), r); err != nil {
			t.Fatalf("Create(%s): %v", r.ID, err)
		}
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(db.ResetDB)
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func sampleRecords() []*model.SessionRecord {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return []*model.SessionRecord{
		{ID: "11111111-aaaa", Mode: model.TransportSocket, AgentID: "agent-1", State: "closed", PreviewLine: "bye", CreatedAt: base},
		{ID: "22222222-bbbb", Mode: model.TransportBroker, AgentID: "agent-2", State: "failed", LastError: "timeout", CreatedAt: base.Add(time.Minute)},
		{ID: "33333333-cccc", Mode: model.TransportSocket, AgentID: "agent-1", State: "open", CreatedAt: base.Add(2 * time.Minute)},
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "termclient "+Version) {
		t.Errorf("unexpected version output %q", out)
	}
}

func TestHistoryTable(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seedHistory(t, dbPath, sampleRecords()...)

	out, err := run(t, "history", "--config", cfgPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 rows, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.HasPrefix(lines[1], "33333333") {
		t.Errorf("expected newest first, got:\n%s", out)
	}
	if !strings.Contains(lines[2], "failed (timeout)") || !strings.Contains(lines[2], "broker") {
		t.Errorf("failed row should show the error, got %q", lines[2])
	}
	if !strings.Contains(lines[3], "bye") {
		t.Errorf("closed row should show its last line, got %q", lines[3])
	}
}

func TestHistoryJSONFilteredByAgent(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seedHistory(t, dbPath, sampleRecords()...)

	out, err := run(t, "history", "--config", cfgPath, "--agent", "agent-1", "--json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	var got []model.SessionRecord
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(got) != 2 || got[0].ID != "33333333-cccc" || got[1].ID != "11111111-aaaa" {
		t.Errorf("unexpected records %+v", got)
	}
}

func TestHistoryEmpty(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "history", "--config", cfgPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.TrimSpace(out) != "No sessions recorded." {
		t.Errorf("unexpected output %q", out)
	}

	out, err = run(t, "history", "--config", cfgPath, "--json")
	if err != nil {
		t.Fatalf("history --json: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("expected an empty JSON list, got %q", out)
	}
}

func TestHistoryPruneUsesConfiguredKeep(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seedHistory(t, dbPath, sampleRecords()...)

	out, err := run(t, "history", "prune", "--config", cfgPath)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(out, "Removed 1 sessions.") {
		t.Errorf("unexpected output %q", out)
	}

	out, err = run(t, "history", "prune", "--config", cfgPath, "--keep", "0")
	if err != nil {
		t.Fatalf("prune --keep 0: %v", err)
	}
	if !strings.Contains(out, "Removed 2 sessions.") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestMissingConfigFails(t *testing.T) {
	_, err := run(t, "history", "--config", filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}

func TestConnectFlagsOverrideConfig(t *testing.T) {
	cmd := newConnectCmd(&app{})
	if err := cmd.ParseFlags([]string{"--mode", "mqtt", "--url", "http://term.example:9000", "--no-history", "--record"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	var f connectFlags
	f.mode, _ = cmd.Flags().GetString("mode")
	f.url, _ = cmd.Flags().GetString("url")
	f.noHistory, _ = cmd.Flags().GetBool("no-history")
	f.record, _ = cmd.Flags().GetBool("record")

	cfg := testConfig()
	f.apply(cmd, &cfg)

	if cfg.Session.Mode != "mqtt" || cfg.Server.BaseURL != "http://term.example:9000" {
		t.Errorf("flags not applied: %+v %+v", cfg.Session, cfg.Server)
	}
	if cfg.History.Enabled || !cfg.Recording.Enabled {
		t.Errorf("history should be off and recording on, got %v %v", cfg.History.Enabled, cfg.Recording.Enabled)
	}
	if cfg.Server.PageURL != "" {
		t.Errorf("unset flags must not override, got page url %q", cfg.Server.PageURL)
	}
}

func TestCastPath(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 30, 15, 0, time.Local)
	if got := castPath("/casts", "agent-1", start); got != filepath.Join("/casts", "20260501-093015-agent-1.cast") {
		t.Errorf("unexpected path %q", got)
	}
	if got := castPath("/casts", "", start); got != filepath.Join("/casts", "20260501-093015.cast") {
		t.Errorf("unexpected path %q", got)
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.History.Enabled = true
	return cfg
}
