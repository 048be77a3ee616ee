package index

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatra/novatra/models"
)

func openSQLite(t *testing.T) Index {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	idx, err := OpenSQL(context.Background(), "sqlite", dsn, SQLOptions{
		CreateSchema:   true,
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSQLite(t *testing.T) {
	testIndex(t, openSQLite)
}

func TestSQLiteSchemaIsIdempotent(t *testing.T) {
	idx := openSQLite(t).(*SQL)
	assert.NoError(t, idx.createTables(context.Background()))
}

func TestSQLiteKeepsTags(t *testing.T) {
	ctx := context.Background()
	idx := openSQLite(t)

	repo := newRepository("tagged", "alice", models.Raw)
	repo.Tags = []string{"a", "b"}
	repo.Description = "tagged things"
	require.NoError(t, idx.CreateRepository(ctx, repo))

	got, err := idx.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Equal(t, "tagged things", got.Description)
	assert.True(t, got.CreatedAt.Equal(repo.CreatedAt))
}

func TestOpenSQLUnknownDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), "nope", "", SQLOptions{})
	assert.Error(t, err)
}

func TestLikePattern(t *testing.T) {
	assert.Equal(t, `%abc%`, likePattern("ABC"))
	assert.Equal(t, `%50\%\_x%`, likePattern("50%_x"))
	assert.Equal(t, `%a\\b%`, likePattern(`a\b`))
}
