package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAssetChain = 990002

func TestValidAssetRepository_SetAndInvalidate(t *testing.T) {
	db := OpenTestDB(t)
	ctx := testContext(t)
	repo := NewValidAssetRepository(db)
	t.Cleanup(func() {
		_, _ = db.Pool().Exec(context.Background(), `DELETE FROM valid_assets WHERE chain_id = $1`, testAssetChain)
	})

	contract := "0x00000000000000000000000000000000000000AA"
	require.NoError(t, repo.Set(ctx, testAssetChain, contract))
	assert.True(t, repo.IsValid(testAssetChain, contract))

	fresh := NewValidAssetRepository(db)
	require.NoError(t, fresh.LoadCache(ctx))
	assert.True(t, fresh.IsValid(testAssetChain, "0x00000000000000000000000000000000000000aa"))

	require.NoError(t, repo.Invalidate(ctx, testAssetChain, contract))
	assert.False(t, repo.IsValid(testAssetChain, contract))
}

func TestValidAssetRepository_RefreshEveryPicksUpExternalRows(t *testing.T) {
	db := OpenTestDB(t)
	repo := NewValidAssetRepository(db)
	t.Cleanup(func() {
		_, _ = db.Pool().Exec(context.Background(), `DELETE FROM valid_assets WHERE chain_id = $1`, testAssetChain)
	})

	ctx, cancel := context.WithCancel(testContext(t))
	done := make(chan struct{})
	go func() {
		repo.RefreshEvery(ctx, 20*time.Millisecond)
		close(done)
	}()

	contract := "0x00000000000000000000000000000000000000bb"
	_, err := db.Pool().Exec(ctx, `INSERT INTO valid_assets (chain_id, contract) VALUES ($1, $2)`, testAssetChain, contract)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return repo.IsValid(testAssetChain, contract) }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RefreshEvery did not stop after cancel")
	}
}
