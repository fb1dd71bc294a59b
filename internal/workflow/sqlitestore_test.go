package workflow

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/passage/model"
)

func newTestSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(context.Background(), newTestSQLiteDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	return store
}

func TestSQLiteStore_contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestSQLiteStore(t) })
}

func TestSQLiteStore_Migrate_isIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestSQLiteStore_SetEntityStatus(t *testing.T) {
	db := newTestSQLiteDB(t)
	s, err := NewSQLiteStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	ctx := context.Background()

	if _, err := db.Exec(`CREATE TABLE travel_requests (id TEXT PRIMARY KEY, status TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO travel_requests (id, status) VALUES ('tr-1', 'Pending')`); err != nil {
		t.Fatalf("insert row: %v", err)
	}

	target := EntityTarget{Table: "travel_requests", IDColumn: "id", StatusColumn: "status"}
	if err := s.SetEntityStatus(ctx, target, "tr-1", "Approved"); err != nil {
		t.Fatalf("SetEntityStatus() error = %v", err)
	}
	var status string
	if err := db.QueryRow(`SELECT status FROM travel_requests WHERE id = 'tr-1'`).Scan(&status); err != nil {
		t.Fatalf("select status: %v", err)
	}
	if status != "Approved" {
		t.Errorf("status = %q, want Approved", status)
	}

	if err := s.SetEntityStatus(ctx, target, "tr-404", "Approved"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("SetEntityStatus(missing row) error = %v, want NOT_FOUND", err)
	}
}

func TestSQLiteStore_concurrentTransitions(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	inst := seedInstance(t, s, "tpl-1", "tr-1", at(0))
	seedExecution(t, s, inst.ID, "exec-1", "focal", nil)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.InTx(ctx, func(tx Tx) error {
				return tx.TransitionExecution(ctx, "exec-1", model.ExecutionTransition{
					Status: model.ExecutionApproved, ActedBy: "user-bob", ActedAt: at(1),
				})
			})
		}()
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case model.IsCode(err, model.ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != workers-1 {
		t.Errorf("successes = %d, conflicts = %d, want 1 and %d", ok, conflicts, workers-1)
	}
}
