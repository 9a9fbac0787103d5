package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/transfer-indexer/internal/adapter"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/models"
	"github.com/transfer-indexer/internal/storage"
)

const erc20MetadataABI = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var erc20Metadata = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20MetadataABI))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 metadata abi: %v", err))
	}
	return parsed
}()

// CurrencyStore is the durable currency table.
// storage.CurrencyRepository implements it.
type CurrencyStore interface {
	Get(ctx context.Context, chainID int64, contract string) (*models.Currency, error)
	Save(ctx context.Context, c *models.Currency) error
}

type currencyKey struct {
	chainID  int64
	contract string
}

// CurrencyService resolves token metadata: in-process memo, redis, the
// currencies table, then the contract itself.
type CurrencyService struct {
	clients map[int64]adapter.ChainClient
	store   CurrencyStore
	cache   *storage.CacheService // optional

	mu   sync.RWMutex
	memo map[currencyKey]*models.Currency
}

// NewCurrencyService creates a currency service. cache may be nil.
func NewCurrencyService(clients map[int64]adapter.ChainClient, store CurrencyStore, cache *storage.CacheService) *CurrencyService {
	return &CurrencyService{
		clients: clients,
		store:   store,
		cache:   cache,
		memo:    make(map[currencyKey]*models.Currency),
	}
}

// GetCurrency returns the metadata of a token contract, reading it from the
// chain on first sight. A contract whose metadata cannot be read is stored
// with empty fields so it is not retried on every transfer.
func (s *CurrencyService) GetCurrency(ctx context.Context, chainID int64, contract string) (*models.Currency, error) {
	key := currencyKey{chainID: chainID, contract: strings.ToLower(contract)}

	s.mu.RLock()
	c, ok := s.memo[key]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	if s.cache != nil {
		var cached models.Currency
		found, err := s.cache.Get(ctx, s.cache.CurrencyKey(chainID, key.contract), &cached)
		if err == nil && found {
			s.remember(key, &cached)
			return &cached, nil
		}
	}

	c, err := s.store.Get(ctx, chainID, key.contract)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = s.fetch(ctx, chainID, key.contract)
		if err := s.store.Save(ctx, c); err != nil {
			return nil, err
		}
	}

	s.remember(key, c)
	if s.cache != nil {
		if err := s.cache.Set(ctx, s.cache.CurrencyKey(chainID, key.contract), c); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Currency cache write failed")
		}
	}
	return c, nil
}

// Invalidate forgets the cached metadata of a contract
func (s *CurrencyService) Invalidate(ctx context.Context, chainID int64, contract string) error {
	key := currencyKey{chainID: chainID, contract: strings.ToLower(contract)}
	s.mu.Lock()
	delete(s.memo, key)
	s.mu.Unlock()
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, s.cache.CurrencyKey(chainID, key.contract))
}

func (s *CurrencyService) remember(key currencyKey, c *models.Currency) {
	s.mu.Lock()
	s.memo[key] = c
	s.mu.Unlock()
}

func (s *CurrencyService) fetch(ctx context.Context, chainID int64, contract string) *models.Currency {
	c := &models.Currency{ChainID: chainID, Contract: contract}

	client, ok := s.clients[chainID]
	if !ok {
		logging.FromContext(ctx).WithChain(chainID).Warn("No client to read currency metadata")
		return c
	}

	var errs []string
	if name, err := callString(ctx, client, contract, "name"); err == nil {
		c.Name = name
	} else {
		errs = append(errs, err.Error())
	}
	if symbol, err := callString(ctx, client, contract, "symbol"); err == nil {
		c.Symbol = symbol
	} else {
		errs = append(errs, err.Error())
	}
	if decimals, err := callDecimals(ctx, client, contract); err == nil {
		c.Decimals = decimals
	} else {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"chainId":  chainID,
			"contract": contract,
			"errors":   errs,
		}).Warn("Failed to read currency metadata")
	}
	return c
}

func call(ctx context.Context, client adapter.ChainClient, contract, method string) ([]byte, error) {
	data, err := erc20Metadata.Pack(method)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(contract)
	return client.Call(ctx, ethereum.CallMsg{To: &to, Data: data})
}

// callString also accepts the bytes32 return used by some early tokens
func callString(ctx context.Context, client adapter.ChainClient, contract, method string) (string, error) {
	out, err := call(ctx, client, contract, method)
	if err != nil {
		return "", err
	}
	values, err := erc20Metadata.Unpack(method, out)
	if err == nil && len(values) == 1 {
		if s, ok := values[0].(string); ok {
			return s, nil
		}
	}
	if len(out) == 32 {
		return string(bytes.TrimRight(out, "\x00")), nil
	}
	return "", fmt.Errorf("%s: undecodable return of %d bytes", method, len(out))
}

func callDecimals(ctx context.Context, client adapter.ChainClient, contract string) (int, error) {
	out, err := call(ctx, client, contract, "decimals")
	if err != nil {
		return 0, err
	}
	values, err := erc20Metadata.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", values[0])
	}
	return int(d), nil
}
