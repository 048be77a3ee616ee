//go:build integration
// +build integration

package index

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/novatra/novatra/config"
	"github.com/novatra/novatra/testutils"
)

var postgresDSN string

func TestMain(m *testing.M) {
	cfg, err := config.InitConfig(config.SetUpConfig("test"))
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	helper := testutils.NewTestHelper(cfg.Integration)
	id, err := helper.StartPostgres(ctx)
	if err != nil {
		helper.RemoveContainer(ctx, id)
		panic(err)
	}
	postgresDSN = cfg.Integration.PostgresDSN

	code := m.Run()
	if err := helper.RemoveContainer(ctx, id); err != nil {
		println("couldn't remove postgres container:", err.Error())
	}
	os.Exit(code)
}

func openPostgres(t *testing.T) Index {
	idx, err := OpenSQL(context.Background(), "postgres", postgresDSN, SQLOptions{
		CreateSchema:   true,
		ConnectTimeout: time.Minute,
	})
	require.NoError(t, err)
	_, err = idx.db.Exec("TRUNCATE artifacts, repository_tags, repositories")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestPostgres(t *testing.T) {
	testIndex(t, openPostgres)
}
