package migration

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fieldsync/migrations"
)

type MockMigrator struct {
	mock.Mock
}

func (m *MockMigrator) Up() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMigrator) Close() (error, error) {
	args := m.Called()
	return args.Error(0), args.Error(1)
}

func engineFor(m Migrator, err error) MigrationEngine {
	return func(source.Driver, string) (Migrator, error) {
		return m, err
	}
}

func TestMigration_Up(t *testing.T) {
	tests := []struct {
		name     string
		upErr    error
		closeErr error
		wantErr  bool
	}{
		{name: "success"},
		{name: "no change", upErr: migrate.ErrNoChange},
		{name: "up fails", upErr: errors.New("syntax error"), wantErr: true},
		{name: "close fails", closeErr: errors.New("close failed"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockMigrator)
			m.On("Up").Return(tt.upErr)
			m.On("Close").Return(tt.closeErr, nil)

			err := NewMigration(migrations.Postgres, migrations.PostgresDir, "postgres://unused", engineFor(m, nil)).Up()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			m.AssertExpectations(t)
		})
	}
}

func TestMigration_Up_EngineError(t *testing.T) {
	err := NewMigration(migrations.SQLite, migrations.SQLiteDir, "sqlite3://unused", engineFor(nil, errors.New("engine crash"))).Up()
	assert.EqualError(t, err, "engine crash")
}

func TestMigration_Up_MissingSource(t *testing.T) {
	m := new(MockMigrator)
	err := NewMigration(migrations.SQLite, "mysql", "sqlite3://unused", engineFor(m, nil)).Up()
	assert.Error(t, err)
	m.AssertNotCalled(t, "Up")
}

func TestMigration_SQLiteSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	mg := NewMigration(migrations.SQLite, migrations.SQLiteDir, SQLiteURL(path), nil)
	require.NoError(t, mg.Up())
	require.NoError(t, mg.Up(), "second run is a no-op")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"records", "watermarks", "record_references"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
