package record

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/labci/dispatcher/internal/logger"
)

func pct(f float64) *float64 { return &f }

func TestSaveAndLoadOneRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	store := New(path, logger.NewBuffer())

	rec := Record{Commit: "abcdef1234567890abcdef1234567890abcdef12", Status: StatusSuccess, Description: "Tests passed", Coverage: pct(91.25)}
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.LoadOne("abcdef1")
	if err != nil {
		t.Fatalf("LoadOne: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("loaded record mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveMergesByCommitRatherThanAppending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	store := New(path, logger.NewBuffer())

	first := Record{Commit: "1111111111111111111111111111111111111111", Status: StatusError, Description: "boom"}
	if err := store.Save(first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	updated := Record{Commit: "1111111111111111111111111111111111111111", Status: StatusSuccess, Description: "fixed", Coverage: pct(80)}
	if err := store.Save(updated); err != nil {
		t.Fatalf("Save: %v", err)
	}

	all, err := store.Load("1111111")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one record after merge, got %d", len(all))
	}
	if diff := cmp.Diff(updated, all[0]); diff != "" {
		t.Errorf("merged record mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOneNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	store := New(path, logger.NewBuffer())

	_, err := store.LoadOne("deadbee")
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("expected *NotFoundError, got %v", err)
	}
}

func TestSaveRejectsMissingCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	store := New(path, logger.NewBuffer())

	err := store.Save(Record{Status: StatusSuccess})
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestReadAllTreatsMissingFileAsEmpty(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "missing.json"), logger.NewBuffer())
	all, err := store.Load("anything")
	if err != nil {
		t.Fatalf("unexpected error for missing db file: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no records, got %d", len(all))
	}
}

func TestReadAllCoercesSingleObjectToArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	if err := os.WriteFile(path, []byte(`{"commit":"abc1234000000000000000000000000000000","status":"success","description":"ok"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	store := New(path, logger.NewBuffer())
	all, err := store.Load("abc1234")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected the lone object coerced into a one-element db, got %d", len(all))
	}
}
