package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFile(body string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(body)}
}

func TestReadMigrations_Ordered(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0002_payment_ledger.up.sql":   migrationFile("CREATE TABLE payment_ledger (id TEXT);"),
		"sql/migrations/0002_payment_ledger.down.sql": migrationFile("DROP TABLE payment_ledger;"),
		"sql/migrations/0001_orders.up.sql":           migrationFile("CREATE TABLE orders (id TEXT);"),
		"sql/migrations/0001_orders.down.sql":         migrationFile("DROP TABLE orders;"),
	}

	migrations, err := readMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, int64(1), migrations[0].Version)
	assert.Equal(t, "0001_orders", migrations[0].String())
	assert.Equal(t, "DROP TABLE orders;", migrations[0].script(migrationDown))
	assert.Equal(t, "payment_ledger", migrations[1].Name)
	assert.Equal(t, "CREATE TABLE payment_ledger (id TEXT);", migrations[1].script(migrationUp))
}

func TestReadMigrations_Embedded(t *testing.T) {
	t.Parallel()

	migrations, err := readMigrations(embeddedMigrations)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	for i, m := range migrations {
		assert.Equal(t, int64(i+1), m.Version, "versions are contiguous")
	}
}

func TestReadMigrations_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr string
	}{
		{
			name:    "missing down",
			fsys:    fstest.MapFS{"sql/migrations/0001_orders.up.sql": migrationFile("SELECT 1;")},
			wantErr: "both up and down",
		},
		{
			name:    "invalid name",
			fsys:    fstest.MapFS{"sql/migrations/orders.sql": migrationFile("SELECT 1;")},
			wantErr: "invalid migration file name",
		},
		{
			name: "empty body",
			fsys: fstest.MapFS{
				"sql/migrations/0001_orders.up.sql":   migrationFile("  \n"),
				"sql/migrations/0001_orders.down.sql": migrationFile("DROP TABLE orders;"),
			},
			wantErr: "empty",
		},
		{
			name: "conflicting names",
			fsys: fstest.MapFS{
				"sql/migrations/0001_orders.up.sql":   migrationFile("SELECT 1;"),
				"sql/migrations/0001_ledger.down.sql": migrationFile("SELECT 1;"),
			},
			wantErr: "conflicting names",
		},
		{
			name:    "no files",
			fsys:    fstest.MapFS{"sql/migrations/archive/0001_orders.up.sql": migrationFile("SELECT 1;")},
			wantErr: "no migration files",
		},
		{
			name:    "no directory",
			fsys:    fstest.MapFS{},
			wantErr: "list migrations",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := readMigrations(tc.fsys)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestMigrationPlans(t *testing.T) {
	t.Parallel()

	available := []schemaMigration{
		{Version: 1, Name: "orders"},
		{Version: 2, Name: "payment_ledger"},
		{Version: 3, Name: "catalog"},
	}

	pending := pendingMigrations(available, map[int64]bool{1: true}, 0)
	assert.Equal(t, []int64{2, 3}, versionsOf(pending))
	assert.Equal(t, []int64{2}, versionsOf(pendingMigrations(available, map[int64]bool{1: true}, 1)))
	assert.Empty(t, pendingMigrations(available, map[int64]bool{1: true, 2: true, 3: true}, 0))

	rollback, err := rollbackMigrations(available, map[int64]bool{1: true, 2: true, 3: true}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, versionsOf(rollback))

	rollback, err = rollbackMigrations(available, map[int64]bool{}, 1)
	require.NoError(t, err)
	assert.Empty(t, rollback)

	_, err = rollbackMigrations(available, map[int64]bool{7: true}, 1)
	assert.ErrorContains(t, err, "unknown migration version 7")
}

func versionsOf(migrations []schemaMigration) []int64 {
	out := make([]int64, 0, len(migrations))
	for _, m := range migrations {
		out = append(out, m.Version)
	}
	return out
}
