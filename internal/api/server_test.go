package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/transfer-indexer/internal/errors"
	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/models"
)

const owner = "0x00000000000000000000000000000000000000A1"

type mockWallets struct {
	mock.Mock
}

func (m *mockWallets) ProcessAddWalletRequest(ctx context.Context, accountID, address string) (int, error) {
	args := m.Called(accountID, address)
	return args.Int(0), args.Error(1)
}

func (m *mockWallets) RemoveWallet(ctx context.Context, accountID, address string) error {
	return m.Called(accountID, address).Error(0)
}

type mockBackfill struct {
	mock.Mock
}

func (m *mockBackfill) Schedule(ctx context.Context, p job.BackfillPayload) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}

type balanceFunc func(chainID int64, owner string) ([]*models.Balance, error)

func (f balanceFunc) GetBalances(ctx context.Context, chainID int64, owner string) ([]*models.Balance, error) {
	return f(chainID, owner)
}

type jobsFunc func(status models.JobStatus, limit int) ([]*models.JobRecord, error)

func (f jobsFunc) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.JobRecord, error) {
	return f(status, limit)
}

type mockAssets struct {
	mock.Mock
}

func (m *mockAssets) Set(ctx context.Context, chainID int64, contract string) error {
	return m.Called(chainID, contract).Error(0)
}

func (m *mockAssets) Invalidate(ctx context.Context, chainID int64, contract string) error {
	return m.Called(chainID, contract).Error(0)
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func newTestServer(deps Deps) *Server {
	return NewServer(&ServerConfig{Host: "127.0.0.1", Port: "0", RateRPS: 1000, RateBurst: 1000}, deps)
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(Deps{Health: map[string]Pinger{"postgres": pinger{}, "redis": pinger{}}})
	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	s = newTestServer(Deps{Health: map[string]Pinger{"postgres": pinger{}, "redis": pinger{err: errors.New("connection refused")}}})
	rec = do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]interface{})["redis"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newTestServer(Deps{}), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAddWallet(t *testing.T) {
	wallets := &mockWallets{}
	wallets.On("ProcessAddWalletRequest", "acc-1", owner).Return(3, nil).Once()
	wallets.On("ProcessAddWalletRequest", "acc-1", "bogus").
		Return(0, apperrors.NewValidationError("address", "not a hex address")).Once()
	wallets.On("ProcessAddWalletRequest", "ghost", owner).
		Return(0, apperrors.NewNotFoundError("account", "ghost")).Once()
	wallets.On("ProcessAddWalletRequest", "acc-2", owner).Return(0, errors.New("queue down")).Once()
	s := newTestServer(Deps{Wallets: wallets})

	rec := do(t, s, http.MethodPost, "/wallets", AddWalletRequest{AccountID: "acc-1", Address: owner})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["historyBatches"])

	rec = do(t, s, http.MethodPost, "/wallets", AddWalletRequest{AccountID: "acc-1", Address: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/wallets", AddWalletRequest{AccountID: "ghost", Address: owner})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/wallets", AddWalletRequest{AccountID: "acc-2", Address: owner})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternalError, decode(t, rec)["error"].(map[string]interface{})["code"])

	rec = do(t, s, http.MethodPost, "/wallets", map[string]string{"address": owner})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "accountId is required")

	rec = do(t, s, http.MethodPost, "/wallets", map[string]string{"accountId": "a", "extra": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	wallets.AssertExpectations(t)
}

func TestRemoveWallet(t *testing.T) {
	wallets := &mockWallets{}
	wallets.On("RemoveWallet", "acc-1", owner).Return(nil).Once()
	s := newTestServer(Deps{Wallets: wallets})

	rec := do(t, s, http.MethodDelete, "/wallets/acc-1/"+owner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	wallets.AssertExpectations(t)
}

func TestBackfill(t *testing.T) {
	backfill := &mockBackfill{}
	backfill.On("Schedule", job.BackfillPayload{ChainID: 1, FromBlock: 100, ToBlock: 350}).Return(3, nil).Once()
	backfill.On("Schedule", job.BackfillPayload{ChainID: 56, FromBlock: 1, ToBlock: 2}).
		Return(0, apperrors.NewValidationError("chainId", "chain 56 is not enabled")).Once()
	s := newTestServer(Deps{Backfill: backfill})

	rec := do(t, s, http.MethodPost, "/backfill", BackfillRequest{ChainID: 1, FromBlock: 100, ToBlock: 350})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["jobs"])

	rec = do(t, s, http.MethodPost, "/backfill", BackfillRequest{ChainID: 56, FromBlock: 1, ToBlock: 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/backfill", BackfillRequest{ChainID: 1, FromBlock: 10, ToBlock: 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	backfill.AssertExpectations(t)
}

func TestGetBalances(t *testing.T) {
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	var gotChain int64
	var gotOwner string
	s := newTestServer(Deps{Balances: balanceFunc(func(chainID int64, o string) ([]*models.Balance, error) {
		gotChain, gotOwner = chainID, o
		return []*models.Balance{{Contract: "0xaa", Owner: o, ChainID: chainID, Amount: huge, UpdatedAt: time.Now()}}, nil
	})})

	rec := do(t, s, http.MethodGet, "/balances/137/"+owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(137), gotChain)
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", gotOwner)

	balances := decode(t, rec)["balances"].([]interface{})
	require.Len(t, balances, 1)
	assert.Equal(t, "123456789012345678901234567890", balances[0].(map[string]interface{})["amount"])

	rec = do(t, s, http.MethodGet, "/balances/137/nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/balances/eth/"+owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "non-numeric chain ids do not match the route")
}

func TestDeadJobs(t *testing.T) {
	var gotLimit int
	s := newTestServer(Deps{Jobs: jobsFunc(func(status models.JobStatus, limit int) ([]*models.JobRecord, error) {
		assert.Equal(t, models.JobDead, status)
		gotLimit = limit
		return []*models.JobRecord{{ID: "j1", Queue: job.QueueWebhookDelivery, Status: models.JobDead}}, nil
	})})

	rec := do(t, s, http.MethodGet, "/jobs/dead", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultDeadJobLimit, gotLimit)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = do(t, s, http.MethodGet, "/jobs/dead?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, gotLimit)

	rec = do(t, s, http.MethodGet, "/jobs/dead?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssets(t *testing.T) {
	lower := "0x00000000000000000000000000000000000000a1"
	assets := &mockAssets{}
	assets.On("Set", int64(1), lower).Return(nil).Once()
	assets.On("Invalidate", int64(1), lower).Return(nil).Once()
	assets.On("Set", int64(2), lower).Return(errors.New("db down")).Once()
	s := newTestServer(Deps{Assets: assets})

	rec := do(t, s, http.MethodPost, "/assets/1/"+owner, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, lower, decode(t, rec)["contract"])

	rec = do(t, s, http.MethodDelete, "/assets/1/"+owner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodPost, "/assets/2/"+owner, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, s, http.MethodPost, "/assets/1/nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assets.AssertExpectations(t)
}

func TestRateLimitMiddleware(t *testing.T) {
	s := NewServer(&ServerConfig{RateRPS: 1, RateBurst: 2}, Deps{Health: map[string]Pinger{}})

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, do(t, s, http.MethodGet, "/health", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
