package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/castkeep/castkeep/internal/adapter"
	"github.com/castkeep/castkeep/internal/domain"
)

// testStores returns both Storage implementations so every test runs
// against the durable store and the fallback.
func testStores(t *testing.T) map[string]domain.Storage {
	t.Helper()

	bolt, err := OpenBolt(t.TempDir(), adapter.NullLogger())
	if err != nil {
		t.Fatalf("failed to open bolt store: %v", err)
	}
	t.Cleanup(func() { bolt.Close() })

	return map[string]domain.Storage{
		"bolt":   bolt,
		"memory": NewMemoryStore(),
	}
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestSaveAndGetRecord(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ep := domain.Episode{Slug: "ep1", Title: "First Episode"}
			rec := domain.Record{Data: mustJSON(t, ep)}

			if err := s.SaveRecord(domain.StoreEpisodes, "ep1", rec); err != nil {
				t.Fatalf("SaveRecord: %v", err)
			}

			got, ok := s.GetRecord(domain.StoreEpisodes, "ep1")
			if !ok {
				t.Fatal("expected record to be found")
			}
			var gotEp domain.Episode
			if err := json.Unmarshal(got.Data, &gotEp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if gotEp.Title != ep.Title {
				t.Errorf("got title %q, want %q", gotEp.Title, ep.Title)
			}
		})
	}
}

func TestGetRecordMiss(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok := s.GetRecord(domain.StoreEpisodes, "nope"); ok {
				t.Error("expected miss for absent key")
			}
		})
	}
}

func TestUnknownStoreType(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.SaveRecord(domain.StoreType("bogus"), "k", domain.Record{Data: []byte("{}")})
			if !errors.Is(err, domain.ErrStoreMissing) {
				t.Errorf("got %v, want ErrStoreMissing", err)
			}
			if _, err := s.GetAllRecords(domain.StoreType("bogus")); !errors.Is(err, domain.ErrStoreMissing) {
				t.Errorf("got %v, want ErrStoreMissing", err)
			}
		})
	}
}

func TestDeleteAndCount(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"a", "b", "c"} {
				rec := domain.Record{Data: mustJSON(t, domain.Episode{Slug: key})}
				if err := s.SaveRecord(domain.StoreEpisodes, key, rec); err != nil {
					t.Fatalf("SaveRecord: %v", err)
				}
			}

			count, err := s.CountRecords(domain.StoreEpisodes)
			if err != nil || count != 3 {
				t.Fatalf("got count %d (err %v), want 3", count, err)
			}

			if err := s.DeleteRecord(domain.StoreEpisodes, "b"); err != nil {
				t.Fatalf("DeleteRecord: %v", err)
			}
			count, _ = s.CountRecords(domain.StoreEpisodes)
			if count != 2 {
				t.Errorf("got count %d after delete, want 2", count)
			}
		})
	}
}

func TestReplaceQuestions(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			oldSet := []domain.Record{
				{Data: mustJSON(t, domain.Question{EpisodeSlug: "ep1", Lang: "en", Time: 10, Text: "old one"})},
				{Data: mustJSON(t, domain.Question{EpisodeSlug: "ep1", Lang: "en", Time: 20, Text: "old two"})},
				{Data: mustJSON(t, domain.Question{EpisodeSlug: "ep1", Lang: "en", Time: 30, Text: "old three"})},
			}
			if err := s.ReplaceQuestions("ep1", "en", oldSet); err != nil {
				t.Fatalf("ReplaceQuestions: %v", err)
			}

			// A different language must be untouched by the replace.
			other := []domain.Record{
				{Data: mustJSON(t, domain.Question{EpisodeSlug: "ep1", Lang: "de", Time: 5, Text: "andere"})},
			}
			if err := s.ReplaceQuestions("ep1", "de", other); err != nil {
				t.Fatalf("ReplaceQuestions(de): %v", err)
			}

			newSet := []domain.Record{
				{Data: mustJSON(t, domain.Question{EpisodeSlug: "ep1", Lang: "en", Time: 15, Text: "new one"})},
			}
			if err := s.ReplaceQuestions("ep1", "en", newSet); err != nil {
				t.Fatalf("ReplaceQuestions(replace): %v", err)
			}

			got, err := s.QuestionsFor("ep1", "en")
			if err != nil {
				t.Fatalf("QuestionsFor: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d questions, want 1 (replace must drop the old set)", len(got))
			}
			var q domain.Question
			json.Unmarshal(got[0].Record.Data, &q)
			if q.Text != "new one" {
				t.Errorf("got %q, want %q", q.Text, "new one")
			}

			de, _ := s.QuestionsFor("ep1", "de")
			if len(de) != 1 {
				t.Errorf("german set disturbed: got %d questions, want 1", len(de))
			}
		})
	}
}

func TestQuestionsOrderedByTime(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			set := []domain.Record{
				{Data: mustJSON(t, domain.Question{EpisodeSlug: "ep1", Lang: "en", Time: 300, Text: "late"})},
				{Data: mustJSON(t, domain.Question{EpisodeSlug: "ep1", Lang: "en", Time: 5, Text: "early"})},
			}
			if err := s.ReplaceQuestions("ep1", "en", set); err != nil {
				t.Fatalf("ReplaceQuestions: %v", err)
			}

			got, _ := s.QuestionsFor("ep1", "en")
			if len(got) != 2 {
				t.Fatalf("got %d questions, want 2", len(got))
			}
			var first domain.Question
			json.Unmarshal(got[0].Record.Data, &first)
			if first.Text != "early" {
				t.Errorf("questions not ordered by time offset: first is %q", first.Text)
			}
		})
	}
}

func TestSyncQueueFIFO(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"first", "second", "third"} {
				item := domain.SyncQueueItem{
					StoreType: domain.StoreEpisodes,
					Operation: domain.OpCreate,
					Key:       key,
				}
				if _, err := s.EnqueueSync(item); err != nil {
					t.Fatalf("EnqueueSync: %v", err)
				}
			}

			items, err := s.PendingSync()
			if err != nil {
				t.Fatalf("PendingSync: %v", err)
			}
			if len(items) != 3 {
				t.Fatalf("got %d items, want 3", len(items))
			}
			for i, want := range []string{"first", "second", "third"} {
				if items[i].Key != want {
					t.Errorf("item %d: got key %q, want %q", i, items[i].Key, want)
				}
			}
		})
	}
}

func TestSyncQueueUpdateAndDelete(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.EnqueueSync(domain.SyncQueueItem{StoreType: domain.StoreEpisodes, Operation: domain.OpUpdate, Key: "ep1"})
			if err != nil {
				t.Fatalf("EnqueueSync: %v", err)
			}

			items, _ := s.PendingSync()
			item := items[0]
			item.Attempts = 2
			if err := s.UpdateSyncItem(item); err != nil {
				t.Fatalf("UpdateSyncItem: %v", err)
			}

			items, _ = s.PendingSync()
			if items[0].Attempts != 2 {
				t.Errorf("got attempts %d, want 2", items[0].Attempts)
			}

			if err := s.DeleteSyncItem(id); err != nil {
				t.Fatalf("DeleteSyncItem: %v", err)
			}
			items, _ = s.PendingSync()
			if len(items) != 0 {
				t.Errorf("got %d items after delete, want 0", len(items))
			}
		})
	}
}

func TestSettings(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok := s.Setting("missing"); ok {
				t.Error("expected miss for unset setting")
			}
			if err := s.SetSetting("max_audio_mb", "500"); err != nil {
				t.Fatalf("SetSetting: %v", err)
			}
			got, ok := s.Setting("max_audio_mb")
			if !ok || got != "500" {
				t.Errorf("got %q (ok=%v), want 500", got, ok)
			}
		})
	}
}

func TestSchemaVersionStamped(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			v, ok := s.Setting(schemaVersionKey)
			if !ok || v != schemaVersion {
				t.Errorf("got schema version %q (ok=%v), want %q", v, ok, schemaVersion)
			}
		})
	}
}

func TestOpenFallsBackToMemory(t *testing.T) {
	// Point the store at a path that cannot be a directory.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	s := Open(filepath.Join(blocker, "store"), adapter.NullLogger())
	defer s.Close()

	if !s.Fallback() {
		t.Fatal("expected fallback store when durable storage is unavailable")
	}

	// Degraded mode must still function.
	rec := domain.Record{Data: mustJSON(t, domain.Episode{Slug: "ep1"})}
	if err := s.SaveRecord(domain.StoreEpisodes, "ep1", rec); err != nil {
		t.Fatalf("fallback SaveRecord: %v", err)
	}
	if _, ok := s.GetRecord(domain.StoreEpisodes, "ep1"); !ok {
		t.Error("fallback store lost the record")
	}
}

func TestFailedWriteLeavesNoPhantom(t *testing.T) {
	s, err := OpenBolt(t.TempDir(), adapter.NullLogger())
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	s.Close()

	rec := domain.Record{Data: mustJSON(t, domain.Episode{Slug: "ep1"})}
	if err := s.SaveRecord(domain.StoreEpisodes, "ep1", rec); err == nil {
		t.Fatal("write to closed store reported success")
	}

	// The promotion cache must not serve a record that never committed.
	if _, ok := s.GetRecord(domain.StoreEpisodes, "ep1"); ok {
		t.Error("read served a record from a failed write")
	}
}

func TestUpdateTimeoutRollsBack(t *testing.T) {
	s, err := OpenBolt(t.TempDir(), adapter.NullLogger())
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer s.Close()

	// An already-elapsed deadline makes every write overrun its budget.
	s.txTimeout = -time.Millisecond

	rec := domain.Record{Data: mustJSON(t, domain.Episode{Slug: "ep1"})}
	if err := s.SaveRecord(domain.StoreEpisodes, "ep1", rec); !errors.Is(err, domain.ErrTxTimeout) {
		t.Fatalf("got %v, want ErrTxTimeout", err)
	}

	// The transaction must have rolled back, not committed late.
	s.txTimeout = defaultTxTimeout
	if _, ok := s.GetRecord(domain.StoreEpisodes, "ep1"); ok {
		t.Error("timed-out transaction committed")
	}

	if err := s.SaveRecord(domain.StoreEpisodes, "ep1", rec); err != nil {
		t.Fatalf("write after recovered timeout: %v", err)
	}
	if _, ok := s.GetRecord(domain.StoreEpisodes, "ep1"); !ok {
		t.Error("store unusable after a timed-out transaction")
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenBolt(dir, adapter.NullLogger())
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	rec := domain.Record{Data: mustJSON(t, domain.Episode{Slug: "ep1", Title: "Persisted"})}
	if err := s.SaveRecord(domain.StoreEpisodes, "ep1", rec); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	s.Close()

	s2, err := OpenBolt(dir, adapter.NullLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if _, ok := s2.GetRecord(domain.StoreEpisodes, "ep1"); !ok {
		t.Error("record lost across reopen")
	}
}
