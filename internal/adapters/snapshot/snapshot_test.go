package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

func sampleSnapshot() core.ModelSnapshot {
	return core.ModelSnapshot{
		SchemaVersion: 1,
		Examples:      3,
		KindTotals: map[core.ActionKind]int{
			core.ActionArchive: 2,
			core.ActionReply:   1,
		},
		Counts: map[core.ActionKind]map[string]map[string]int{
			core.ActionArchive: {
				"sender_domain": {"example.com": 2},
				"subject_topic": {"billing": 2},
			},
			core.ActionReply: {
				"sender_domain": {"boss.example.com": 1},
				"subject_topic": {"scheduling": 1},
			},
		},
	}
}

func eachSnapshotStore(t *testing.T, run func(t *testing.T, s core.SnapshotStore)) {
	t.Run("file", func(t *testing.T) {
		s, err := NewFileStore(filepath.Join(t.TempDir(), "model", "snapshot.json"), zap.NewNop())
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		run(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snapshot.db"), zap.NewNop())
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		run(t, s)
	})
}

func TestLoadMissing(t *testing.T) {
	eachSnapshotStore(t, func(t *testing.T, s core.SnapshotStore) {
		if _, err := s.Load(context.Background()); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	eachSnapshotStore(t, func(t *testing.T, s core.SnapshotStore) {
		ctx := context.Background()
		want := sampleSnapshot()
		if err := s.Save(ctx, want); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got.SavedAt.IsZero() {
			t.Error("SavedAt not stamped on save")
		}
		got.SavedAt = want.SavedAt
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch:\n%+v\n%+v", got, want)
		}
	})
}

func TestSaveReplacesPrevious(t *testing.T) {
	eachSnapshotStore(t, func(t *testing.T, s core.SnapshotStore) {
		ctx := context.Background()
		first := sampleSnapshot()
		if err := s.Save(ctx, first); err != nil {
			t.Fatalf("Save: %v", err)
		}

		second := sampleSnapshot()
		second.Examples = 10
		second.KindTotals[core.ActionArchive] = 9
		if err := s.Save(ctx, second); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got.Examples != 10 {
			t.Errorf("examples = %d, want the replacement's 10", got.Examples)
		}
	})
}
