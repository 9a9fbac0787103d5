package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfer-indexer/internal/config"
)

func TestBuildPayload(t *testing.T) {
	cfg := &config.Config{Chains: config.ChainsConfig{
		Enabled: []int64{1},
		Chains:  map[int64]config.ChainConfig{1: {ChainID: 1}},
	}}

	p, err := buildPayload(cfg, 1, 10, 20, "0x00000000000000000000000000000000000000AB", "erc20-transfer, ")
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000ab", p.Address)
	assert.Equal(t, []string{"erc20-transfer"}, p.Kinds)

	_, err = buildPayload(cfg, 56, 10, 20, "", "")
	assert.Error(t, err)

	_, err = buildPayload(cfg, 1, 20, 10, "", "")
	assert.Error(t, err)

	_, err = buildPayload(cfg, 1, 10, 20, "0xnope", "")
	assert.Error(t, err)

	_, err = buildPayload(cfg, 1, 10, 20, "", "nft-mint")
	assert.Error(t, err)
}
