package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/models"
)

const defaultDeadJobLimit = 100

// handleHealth pings every dependency. Any failure answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Health))
	healthy := true
	for name, p := range s.deps.Health {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "transfer-indexer",
		"checks":  checks,
	})
}

// AddWalletRequest is the body of POST /wallets
type AddWalletRequest struct {
	AccountID string `json:"accountId"`
	Address   string `json:"address"`
}

func (s *Server) handleAddWallet(w http.ResponseWriter, r *http.Request) {
	var req AddWalletRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.AccountID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "accountId is required", nil)
		return
	}

	batches, err := s.deps.Wallets.ProcessAddWalletRequest(r.Context(), req.AccountID, req.Address)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"accountId":      req.AccountID,
		"address":        strings.ToLower(req.Address),
		"tracking":       true,
		"historyBatches": batches,
	})
}

func (s *Server) handleRemoveWallet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Wallets.RemoveWallet(r.Context(), vars["accountId"], vars["address"]); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BackfillRequest is the body of POST /backfill
type BackfillRequest struct {
	ChainID   int64    `json:"chainId"`
	FromBlock uint64   `json:"fromBlock"`
	ToBlock   uint64   `json:"toBlock"`
	Address   string   `json:"address,omitempty"`
	Kinds     []string `json:"kinds,omitempty"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.ToBlock < req.FromBlock {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "toBlock must not be before fromBlock", nil)
		return
	}

	n, err := s.deps.Backfill.Schedule(r.Context(), job.BackfillPayload{
		ChainID:   req.ChainID,
		FromBlock: req.FromBlock,
		ToBlock:   req.ToBlock,
		Kinds:     req.Kinds,
		Address:   req.Address,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"chainId":   req.ChainID,
		"fromBlock": req.FromBlock,
		"toBlock":   req.ToBlock,
		"jobs":      n,
	})
}

type balanceView struct {
	Contract  string    `json:"contract"`
	Owner     string    `json:"owner"`
	ChainID   int64     `json:"chainId"`
	Amount    string    `json:"amount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chainID, err := strconv.ParseInt(vars["chainId"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid chain id", nil)
		return
	}
	owner := vars["owner"]
	if !common.IsHexAddress(owner) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid address format", map[string]interface{}{"owner": owner})
		return
	}

	balances, err := s.deps.Balances.GetBalances(r.Context(), chainID, strings.ToLower(owner))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	out := make([]balanceView, 0, len(balances))
	for _, b := range balances {
		out = append(out, balanceView{
			Contract:  b.Contract,
			Owner:     b.Owner,
			ChainID:   b.ChainID,
			Amount:    b.Amount.String(),
			UpdatedAt: b.UpdatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"chainId":  chainID,
		"owner":    strings.ToLower(owner),
		"balances": out,
	})
}

func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadJobLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be between 1 and 1000", nil)
			return
		}
		limit = n
	}

	jobs, err := s.deps.Jobs.ListByStatus(r.Context(), models.JobDead, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.JobRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// assetVars reads and validates the chain id and contract of an /assets route
func assetVars(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	vars := mux.Vars(r)
	chainID, err := strconv.ParseInt(vars["chainId"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid chain id", nil)
		return 0, "", false
	}
	contract := vars["contract"]
	if !common.IsHexAddress(contract) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid address format", map[string]interface{}{"contract": contract})
		return 0, "", false
	}
	return chainID, strings.ToLower(contract), true
}

func (s *Server) handleAddAsset(w http.ResponseWriter, r *http.Request) {
	chainID, contract, ok := assetVars(w, r)
	if !ok {
		return
	}
	if err := s.deps.Assets.Set(r.Context(), chainID, contract); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"chainId":  chainID,
		"contract": contract,
	})
}

func (s *Server) handleRemoveAsset(w http.ResponseWriter, r *http.Request) {
	chainID, contract, ok := assetVars(w, r)
	if !ok {
		return
	}
	if err := s.deps.Assets.Invalidate(r.Context(), chainID, contract); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
