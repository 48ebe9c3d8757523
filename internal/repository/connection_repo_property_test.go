package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/dualterm/internal/db"
	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// A created record reads back with the same fields, and a later Update is
// visible through GetByID.
func TestConnectionRecordPersistsProperty(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "history_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	db.ResetDB()
	testDB, err := db.InitDB(filepath.Join(tmpDir, "nested", "history.db"))
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	defer db.ResetDB()

	repo := NewConnectionRepository(testDB)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	mode := gen.OneConstOf(model.TransportSocket, model.TransportBroker)
	text := gen.AlphaString().SuchThat(func(s string) bool { return len(s) <= 64 })

	properties.Property("records round trip through the history table", prop.ForAll(
		func(kind model.TransportKind, agentID, remoteID, preview string, reconnects int) bool {
			rec := &model.SessionRecord{
				ID:       uuid.NewString(),
				RemoteID: remoteID,
				Mode:     kind,
				AgentID:  agentID,
				State:    model.StateConnecting.String(),
			}
			if err := repo.Create(ctx, rec); err != nil {
				t.Logf("failed to create record: %v", err)
				return false
			}

			got, err := repo.GetByID(ctx, rec.ID)
			if err != nil {
				t.Logf("failed to retrieve record: %v", err)
				return false
			}
			if got.Mode != kind || got.AgentID != agentID || got.RemoteID != remoteID || got.State != "connecting" {
				t.Logf("retrieved record does not match: %+v", got)
				return false
			}

			rec.State = model.StateClosed.String()
			rec.Reconnects = reconnects
			rec.PreviewLine = preview
			if err := repo.Update(ctx, rec); err != nil {
				t.Logf("failed to update record: %v", err)
				return false
			}

			got, err = repo.GetByID(ctx, rec.ID)
			if err != nil || got.State != "closed" || got.Reconnects != reconnects || got.PreviewLine != preview {
				t.Logf("update not visible: %+v %v", got, err)
				return false
			}

			return repo.Delete(ctx, rec.ID) == nil
		},
		mode,
		text,
		text,
		text,
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
