package recordstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	dir := t.TempDir()
	file, err := NewFileRepository(filepath.Join(dir, "records.json"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteRepository(filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"file":   file,
		"sqlite": sqlite,
	}
}

func exerciseRepository(t *testing.T, repo Repository) {
	ctx := context.Background()
	amount := decimal.NullDecimal{Decimal: decimal.RequireFromString("12.5"), Valid: true}

	created, err := repo.Create(ctx, []ledger.Record{
		{TempID: -1, ListName: "2024-01", Client: "acme", Amount: amount},
		{TempID: -2, ListName: "2024-02", Client: "beta", ManagerBlock: true, ManagerBlockListCell: [][]string{{"D", "F"}}},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, int64(-1), created[0].TempID)
	assert.Positive(t, created[0].ID)
	assert.Greater(t, created[1].ID, created[0].ID)

	lists, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, lists["2024-01"], 1)
	got := lists["2024-01"][0]
	assert.Equal(t, created[0].ID, got.ID)
	assert.Zero(t, got.TempID)
	assert.Equal(t, "12.5", got.Amount.Decimal.String())
	assert.Equal(t, [][]string{{"D", "F"}}, lists["2024-02"][0].ManagerBlockListCell)

	updated, err := repo.Update(ctx, []ledger.Record{{ID: created[0].ID, Client: "acme ltd"}})
	require.NoError(t, err)
	assert.Equal(t, "2024-01", updated[0].ListName)

	_, err = repo.Update(ctx, []ledger.Record{{ID: created[0].ID, Client: "x"}, {ID: 9999}})
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, []int64{9999}, notFound.IDs)
	assert.ErrorIs(t, err, ErrNotFound)

	lists, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acme ltd", lists["2024-01"][0].Client)

	removed, err := repo.Delete(ctx, []int64{created[1].ID, 9999})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "2024-02", removed[0].ListName)

	lists, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, lists["2024-02"])
	assert.Len(t, lists["2024-01"], 1)
}

func TestRepositories(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			exerciseRepository(t, repo)
		})
	}
}

func TestCreateRequiresListName(t *testing.T) {
	_, err := NewMemoryRepository().Create(context.Background(), []ledger.Record{{Client: "x"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFileRepositorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "records.json")
	repo, err := NewFileRepository(path)
	require.NoError(t, err)
	created, err := repo.Create(context.Background(), []ledger.Record{{ListName: "P1", Client: "a"}})
	require.NoError(t, err)

	reopened, err := NewFileRepository(path)
	require.NoError(t, err)
	lists, err := reopened.List(context.Background())
	require.NoError(t, err)
	require.Len(t, lists["P1"], 1)
	assert.Equal(t, created[0].ID, lists["P1"][0].ID)

	next, err := reopened.Create(context.Background(), []ledger.Record{{ListName: "P1"}})
	require.NoError(t, err)
	assert.Greater(t, next[0].ID, created[0].ID)
}

func TestOpenSchemes(t *testing.T) {
	dir := t.TempDir()

	repo, err := Open("memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryRepository{}, repo)

	repo, err = Open("file://" + filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileRepository{}, repo)

	repo, err = Open(filepath.Join(dir, "bare.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileRepository{}, repo)

	repo, err = Open("sqlite://" + filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLRepository{}, repo)

	repo, err = Open("postgres://localhost/gridsync?sslmode=disable")
	require.NoError(t, err)
	assert.IsType(t, &SQLRepository{}, repo)

	_, err = Open("mysql://localhost/gridsync")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRegisterOverridesScheme(t *testing.T) {
	Register("repotestcustom", func(dsn string) (Repository, error) {
		return NewMemoryRepository(), nil
	})
	repo, err := Open("repotestcustom://example")
	require.NoError(t, err)
	assert.NotNil(t, repo)
}
