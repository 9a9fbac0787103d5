package storage

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDB_Ping(t *testing.T) {
	db := OpenTestDB(t)

	require.NoError(t, db.Ping(testContext(t)))
	assert.NotNil(t, db.Pool())
}

func TestPostgresDB_WithTxRollsBack(t *testing.T) {
	db := OpenTestDB(t)
	ctx := testContext(t)
	progress := NewSyncProgressRepository(db)
	require.NoError(t, progress.SetLastSynced(ctx, 990001, 10))

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE sync_progress SET last_synced_block = 99 WHERE chain_id = $1`, 990001); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := progress.GetLastSynced(context.Background(), 990001)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got)
}

func TestParseNumeric(t *testing.T) {
	v, err := ParseNumeric("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	assert.Equal(t, 256, v.BitLen())

	_, err = ParseNumeric("12.5")
	assert.Error(t, err)

	assert.Equal(t, "0", numericString(nil))
	assert.Equal(t, "42", numericString(big.NewInt(42)))
}
