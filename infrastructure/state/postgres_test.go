package state

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockBackend(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresBackend(sqlx.NewDb(db, "postgres"), "dedupe_state"), mock
}

func TestPostgresBackend_Save(t *testing.T) {
	backend, mock := newMockBackend(t)
	mock.ExpectExec("INSERT INTO dedupe_state").
		WithArgs("k1", []byte("v1")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := backend.Save(context.Background(), "k1", []byte("v1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresBackend_LoadNotFound(t *testing.T) {
	backend, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT data FROM dedupe_state").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	_, err := backend.Load(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestPostgresBackend_LoadFound(t *testing.T) {
	backend, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT data FROM dedupe_state").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte("v1")))

	data, err := backend.Load(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(data) != "v1" {
		t.Fatalf("Load() = %s, want v1", data)
	}
}
