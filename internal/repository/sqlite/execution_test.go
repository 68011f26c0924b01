package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/model"
	"github.com/sakif/code-sandbox/internal/repository"
)

// newTestDB returns a private in-memory database closed when the test ends.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestExecution(t *testing.T, db *DB, id, lang string, at time.Time) *model.Execution {
	t.Helper()
	e := &model.Execution{
		ID:          id,
		Language:    lang,
		Outcome:     model.OutcomeSuccess,
		DurationMS:  120,
		OutputBytes: 6,
		CreatedAt:   at,
	}
	if err := db.Create(context.Background(), e); err != nil {
		t.Fatalf("failed to create test execution: %v", err)
	}
	return e
}

func TestCreateAndGet(t *testing.T) {
	db := newTestDB(t)

	e := &model.Execution{
		Language:    "python",
		Outcome:     "ExecutionTimeout",
		ExitCode:    0,
		DurationMS:  5003,
		OutputBytes: 42,
		Truncated:   true,
	}
	if err := db.Create(context.Background(), e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.ID == "" {
		t.Fatal("Create() should generate an ID")
	}
	if e.CreatedAt.IsZero() {
		t.Fatal("Create() should set CreatedAt")
	}

	got, err := db.GetByID(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Language != "python" || got.Outcome != "ExecutionTimeout" {
		t.Errorf("GetByID() = %+v, want language python outcome ExecutionTimeout", got)
	}
	if got.DurationMS != 5003 || got.OutputBytes != 42 || !got.Truncated {
		t.Errorf("GetByID() numeric fields = %+v", got)
	}
}

func TestCreateKeepsGivenID(t *testing.T) {
	db := newTestDB(t)
	createTestExecution(t, db, "cq1abc", "go", time.Now())

	got, err := db.GetByID(context.Background(), "cq1abc")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Language != "go" {
		t.Errorf("Language = %q, want go", got.Language)
	}
}

func TestCreateDuplicateID(t *testing.T) {
	db := newTestDB(t)
	createTestExecution(t, db, "dup", "go", time.Now())

	err := db.Create(context.Background(), &model.Execution{ID: "dup", Language: "go", Outcome: model.OutcomeSuccess})
	if err == nil {
		t.Fatal("Create() with a duplicate id should fail")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetByID(context.Background(), "missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		lang := "python"
		if i%2 == 1 {
			lang = "javascript"
		}
		createTestExecution(t, db, fmt.Sprintf("e%d", i), lang, base.Add(time.Duration(i)*time.Minute))
	}

	t.Run("newest first", func(t *testing.T) {
		got, err := db.List(context.Background(), repository.ListOptions{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 5 {
			t.Fatalf("List() returned %d rows, want 5", len(got))
		}
		if got[0].ID != "e4" || got[4].ID != "e0" {
			t.Errorf("List() order = %s..%s, want e4..e0", got[0].ID, got[4].ID)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		got, err := db.List(context.Background(), repository.ListOptions{Limit: 2, Offset: 2})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "e2" || got[1].ID != "e1" {
			t.Errorf("List() page = %+v, want e2, e1", got)
		}
	})

	t.Run("language filter", func(t *testing.T) {
		got, err := db.List(context.Background(), repository.ListOptions{Language: "javascript"})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("List() returned %d rows, want 2", len(got))
		}
		for _, e := range got {
			if e.Language != "javascript" {
				t.Errorf("List() returned language %q", e.Language)
			}
		}
	})

	t.Run("negative offset", func(t *testing.T) {
		got, err := db.List(context.Background(), repository.ListOptions{Offset: -3})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 5 {
			t.Errorf("List() returned %d rows, want 5", len(got))
		}
	})
}

func TestListEmpty(t *testing.T) {
	db := newTestDB(t)

	got, err := db.List(context.Background(), repository.ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("List() = %v, want empty non-nil slice", got)
	}
}
