package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

func testMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(zap.NewNop())
}

func testSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "actions.db")
	s, err := NewSQLiteStore(dbPath, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAction(uid uint32, kind core.ActionKind, ts time.Time) core.UserAction {
	return core.UserAction{
		Kind:      kind,
		EmailID:   core.MessageID{Folder: "INBOX", UID: uid},
		Sender:    "alice@example.com",
		ThreadKey: "<thread-root@example.com>",
		Timestamp: ts,
		Features: core.FeatureVector{
			SchemaVersion: 1,
			Features: []core.Feature{
				{Name: "sender_domain", Value: "example.com"},
				{Name: "subject_topic", Value: "billing"},
			},
		},
	}
}

// The memory and SQLite adapters share contract tests.
func eachStore(t *testing.T, run func(t *testing.T, s core.ActionStore)) {
	t.Run("memory", func(t *testing.T) { run(t, testMemoryStore(t)) })
	t.Run("sqlite", func(t *testing.T) { run(t, testSQLiteStore(t)) })
}

func TestRecordAndHistory(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.ActionStore) {
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		for i, kind := range []core.ActionKind{core.ActionRead, core.ActionArchive, core.ActionArchive} {
			id, err := s.Record(ctx, sampleAction(uint32(i+1), kind, base.Add(time.Duration(i)*time.Minute)))
			if err != nil {
				t.Fatalf("Record: %v", err)
			}
			if id == "" {
				t.Fatal("Record returned empty id")
			}
		}

		all, err := s.All(ctx)
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("len(all) = %d, want 3", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].Timestamp.Before(all[i-1].Timestamp) {
				t.Fatal("All is not chronological")
			}
		}
		if all[0].Kind != core.ActionRead {
			t.Errorf("first kind = %q, want %q", all[0].Kind, core.ActionRead)
		}

		// Feature vector round-trips with the record.
		if got, _ := all[1].Features.Get("subject_topic"); got != "billing" {
			t.Errorf("denormalized feature = %q, want %q", got, "billing")
		}
	})
}

func TestHistoryRestartable(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.ActionStore) {
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			if _, err := s.Record(ctx, sampleAction(uint32(i+1), core.ActionArchive, base.Add(time.Duration(i)*time.Second))); err != nil {
				t.Fatalf("Record: %v", err)
			}
		}

		first, err := s.History(ctx, core.HistoryFilter{})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		second, err := s.History(ctx, core.HistoryFilter{})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(first) != len(second) {
			t.Fatalf("re-iteration differs: %d vs %d", len(first), len(second))
		}
		for i := range first {
			if first[i].ID != second[i].ID {
				t.Fatalf("re-iteration order differs at %d", i)
			}
		}
	})
}

func TestHistoryFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.ActionStore) {
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		a := sampleAction(1, core.ActionArchive, base)
		b := sampleAction(2, core.ActionDelete, base.Add(time.Hour))
		b.Sender = "bob@example.org"
		b.ThreadKey = "<other-thread@example.org>"
		c := sampleAction(3, core.ActionArchive, base.Add(2*time.Hour))
		for _, action := range []core.UserAction{a, b, c} {
			if _, err := s.Record(ctx, action); err != nil {
				t.Fatalf("Record: %v", err)
			}
		}

		kind := core.ActionArchive
		byKind, err := s.History(ctx, core.HistoryFilter{Kind: &kind})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(byKind) != 2 {
			t.Errorf("by kind: %d, want 2", len(byKind))
		}

		sender := "bob@example.org"
		bySender, err := s.History(ctx, core.HistoryFilter{Sender: &sender})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(bySender) != 1 || bySender[0].EmailID.UID != 2 {
			t.Errorf("by sender: %+v, want just uid 2", bySender)
		}

		thread := "<thread-root@example.com>"
		byThread, err := s.History(ctx, core.HistoryFilter{ThreadKey: &thread})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(byThread) != 2 {
			t.Errorf("by thread: %d, want 2", len(byThread))
		}

		id := core.MessageID{Folder: "INBOX", UID: 3}
		byEmail, err := s.History(ctx, core.HistoryFilter{EmailID: &id})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(byEmail) != 1 {
			t.Errorf("by email: %d, want 1", len(byEmail))
		}

		// Inclusive time bounds.
		since := base.Add(time.Hour)
		until := base.Add(2 * time.Hour)
		byTime, err := s.History(ctx, core.HistoryFilter{Since: &since, Until: &until})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(byTime) != 2 {
			t.Errorf("by time: %d, want 2 (bounds inclusive)", len(byTime))
		}
	})
}

func TestRecordValidation(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.ActionStore) {
		ctx := context.Background()
		tests := []struct {
			name   string
			mutate func(*core.UserAction)
		}{
			{"unknown kind", func(a *core.UserAction) { a.Kind = "shred" }},
			{"move without target", func(a *core.UserAction) { a.Kind = core.ActionMove; a.TargetFolder = "" }},
			{"no email id", func(a *core.UserAction) { a.EmailID = core.MessageID{} }},
			{"unknown schema", func(a *core.UserAction) { a.Features.SchemaVersion = 0 }},
			{"duplicate feature", func(a *core.UserAction) {
				a.Features.Features = append(a.Features.Features, core.Feature{Name: "sender_domain", Value: "x"})
			}},
		}
		for _, tt := range tests {
			action := sampleAction(1, core.ActionRead, time.Now())
			tt.mutate(&action)
			if _, err := s.Record(ctx, action); !errors.Is(err, core.ErrValidation) {
				t.Errorf("%s: err = %v, want ErrValidation", tt.name, err)
			}
		}

		all, err := s.All(ctx)
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if len(all) != 0 {
			t.Fatalf("store grew to %d entries on rejected writes", len(all))
		}
	})
}

func TestChronologicalOrderOutOfOrderAppends(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.ActionStore) {
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		// Append newest first; History must still return oldest first.
		if _, err := s.Record(ctx, sampleAction(2, core.ActionDelete, base.Add(time.Hour))); err != nil {
			t.Fatalf("Record: %v", err)
		}
		if _, err := s.Record(ctx, sampleAction(1, core.ActionRead, base)); err != nil {
			t.Fatalf("Record: %v", err)
		}

		all, err := s.All(ctx)
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if all[0].EmailID.UID != 1 || all[1].EmailID.UID != 2 {
			t.Fatalf("order = [%d %d], want [1 2]", all[0].EmailID.UID, all[1].EmailID.UID)
		}
	})
}

// Timestamps whose fractional seconds encode at different widths must
// still order by time. 100ms renders shorter than 150ms under a
// trailing-zero-trimming layout, which flips a naive text comparison.
func TestSubSecondTimestampOrdering(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.ActionStore) {
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		t1 := base.Add(100 * time.Millisecond)
		t2 := base.Add(150 * time.Millisecond)

		if _, err := s.Record(ctx, sampleAction(1, core.ActionRead, t1)); err != nil {
			t.Fatalf("Record: %v", err)
		}
		if _, err := s.Record(ctx, sampleAction(2, core.ActionArchive, t2)); err != nil {
			t.Fatalf("Record: %v", err)
		}

		all, err := s.All(ctx)
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("len(all) = %d, want 2", len(all))
		}
		if all[0].EmailID.UID != 1 || all[1].EmailID.UID != 2 {
			t.Fatalf("order = [%d %d], want [1 2] (oldest first)",
				all[0].EmailID.UID, all[1].EmailID.UID)
		}
		if !all[0].Timestamp.Equal(t1) {
			t.Errorf("timestamp round-trip = %v, want %v", all[0].Timestamp, t1)
		}

		since := t2
		newer, err := s.History(ctx, core.HistoryFilter{Since: &since})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(newer) != 1 || newer[0].EmailID.UID != 2 {
			t.Fatalf("since %v returned %d actions, want just uid 2", t2, len(newer))
		}

		until := t1
		older, err := s.History(ctx, core.HistoryFilter{Until: &until})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(older) != 1 || older[0].EmailID.UID != 1 {
			t.Fatalf("until %v returned %d actions, want just uid 1", t1, len(older))
		}
	})
}

func TestConcurrentRecordAndHistory(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.ActionStore) {
		ctx := context.Background()
		const writers = 8
		const perWriter = 20

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					uid := uint32(w*perWriter + i + 1)
					if _, err := s.Record(ctx, sampleAction(uid, core.ActionArchive, time.Now().UTC())); err != nil {
						t.Errorf("Record: %v", err)
						return
					}
				}
			}(w)
		}

		// Reads run while the writes are in flight.
		readsDone := make(chan struct{})
		go func() {
			defer close(readsDone)
			for i := 0; i < 50; i++ {
				if _, err := s.All(ctx); err != nil {
					t.Errorf("All: %v", err)
					return
				}
			}
		}()

		wg.Wait()
		<-readsDone

		all, err := s.All(ctx)
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if len(all) != writers*perWriter {
			t.Fatalf("len(all) = %d, want %d", len(all), writers*perWriter)
		}
		for i := 1; i < len(all); i++ {
			if all[i].Timestamp.Before(all[i-1].Timestamp) {
				t.Fatal("All is not chronological after concurrent writes")
			}
		}
	})
}

// The log keeps its own copy of each feature vector: mutating the action a
// caller passed in or got back must not reach stored entries.
func TestReturnedActionsAreDetached(t *testing.T) {
	ctx := context.Background()
	s := testMemoryStore(t)

	in := sampleAction(1, core.ActionRead, time.Now().UTC())
	if _, err := s.Record(ctx, in); err != nil {
		t.Fatalf("Record: %v", err)
	}
	in.Features.Features[0].Value = "tampered.example"

	out, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	out[0].Features.Features[0].Value = "tampered-again.example"

	fresh, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if got, _ := fresh[0].Features.Get("sender_domain"); got != "example.com" {
		t.Fatalf("stored feature = %q, want %q", got, "example.com")
	}
}

func TestPurge(t *testing.T) {
	eachStore(t, func(t *testing.T, s core.ActionStore) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if _, err := s.Record(ctx, sampleAction(uint32(i+1), core.ActionRead, time.Now())); err != nil {
				t.Fatalf("Record: %v", err)
			}
		}
		n, err := s.Purge(ctx)
		if err != nil {
			t.Fatalf("Purge: %v", err)
		}
		if n != 3 {
			t.Errorf("purged = %d, want 3", n)
		}
		all, _ := s.All(ctx)
		if len(all) != 0 {
			t.Errorf("len(all) = %d after purge, want 0", len(all))
		}
	})
}

// A write failure must leave the log exactly as it was: nothing partially
// appended. The failure is injected by closing the database out from under
// the store, then the log is reopened and measured.
func TestFailedWriteLeavesStoreIntact(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "actions.db")

	s, err := NewSQLiteStore(dbPath, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if _, err := s.Record(ctx, sampleAction(1, core.ActionRead, time.Now())); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := s.Record(ctx, sampleAction(2, core.ActionArchive, time.Now())); !errors.Is(err, core.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}

	reopened, err := NewSQLiteStore(dbPath, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	all, err := reopened.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(all) = %d after failed write, want 1", len(all))
	}
}
