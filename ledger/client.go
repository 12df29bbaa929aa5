// Package ledger speaks to the external settlement ledger. The ledger's
// internals (consensus, execution) are out of scope here: this package only
// issues reward and referral calls and interprets their outcomes.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"senscast/identity"
)

// Sentinel errors carrying the machine-checkable failure reasons of the
// settlement contract. Callers branch on these with errors.Is, never on
// message text.
var (
	// ErrWrongNetwork reports a chain-id mismatch between the configured
	// ledger and the node answering the RPC endpoint.
	ErrWrongNetwork = errors.New("ledger: wrong network")

	// ErrUserRejected reports that the signing party declined the
	// transaction.
	ErrUserRejected = errors.New("ledger: transaction rejected by user")

	// ErrInsufficientPool reports that the reward pool cannot cover the
	// requested settlement.
	ErrInsufficientPool = errors.New("ledger: insufficient reward pool")

	// ErrDailyCapReached reports the ledger-side authoritative daily cap.
	ErrDailyCapReached = errors.New("ledger: daily cap reached")

	// ErrUnavailable reports a transport failure or an unclassified ledger
	// fault. Retryable by resubmitting the same logical operation.
	ErrUnavailable = errors.New("ledger: unavailable")
)

// Wire error codes returned by the settlement contract endpoint.
const (
	codeUserRejected     = 4001
	codePendingRequest   = -32002
	codeInsufficientPool = -32051
	codeDailyCapReached  = -32052
)

// Counters mirrors the ledger-side referral configuration and usage for one
// participant. Cap and reward values come from the contract, not from local
// configuration.
type Counters struct {
	Total             int64 `json:"total"`
	DailyCount        int64 `json:"dailyCount"`
	DailyCap          int64 `json:"dailyCap"`
	RewardPerReferral int64 `json:"rewardPerReferral"`
}

// Client issues settlement transactions and reads ledger-side counters. All
// operations are network calls that may block for seconds; callers bound
// them through the context.
type Client interface {
	Reward(ctx context.Context, participant identity.Address, durationSeconds int) (string, error)
	ProcessReferral(ctx context.Context, referrer, referred identity.Address) (string, error)
	GetBalance(ctx context.Context, participant identity.Address) (*big.Int, error)
	GetReferralCounters(ctx context.Context, participant identity.Address) (Counters, error)
}

// RPCClient implements Client against the ledger's JSON-RPC endpoint.
type RPCClient struct {
	baseURL   string
	authToken string
	chainID   uint64
	http      *http.Client
	nextID    atomic.Int64

	mu           sync.Mutex
	chainChecked bool
}

// NewRPCClient constructs a client for the given endpoint. chainID is the
// expected network; a mismatch surfaces as ErrWrongNetwork on the first call.
func NewRPCClient(baseURL, authToken string, chainID uint64, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		chainID:   chainID,
		http:      &http.Client{Timeout: timeout},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Reward submits a recording reward for the participant.
func (c *RPCClient) Reward(ctx context.Context, participant identity.Address, durationSeconds int) (string, error) {
	if err := c.ensureNetwork(ctx); err != nil {
		return "", err
	}
	params := map[string]interface{}{
		"participant": participant.String(),
		"duration":    durationSeconds,
	}
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := c.call(ctx, "sens_rewardRecording", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

// ProcessReferral settles the one-time referral reward for the pair.
func (c *RPCClient) ProcessReferral(ctx context.Context, referrer, referred identity.Address) (string, error) {
	if err := c.ensureNetwork(ctx); err != nil {
		return "", err
	}
	params := map[string]interface{}{
		"referrer": referrer.String(),
		"referred": referred.String(),
	}
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := c.call(ctx, "sens_processReferral", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

// GetBalance reads the participant's token balance in base units.
func (c *RPCClient) GetBalance(ctx context.Context, participant identity.Address) (*big.Int, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, "sens_getBalance", []interface{}{map[string]string{"participant": participant.String()}}, &result); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(strings.TrimSpace(result.Balance), 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed balance %q", ErrUnavailable, result.Balance)
	}
	return balance, nil
}

// GetReferralCounters reads the ledger-side referral counters for the
// participant.
func (c *RPCClient) GetReferralCounters(ctx context.Context, participant identity.Address) (Counters, error) {
	var result Counters
	if err := c.call(ctx, "sens_referralCounters", []interface{}{map[string]string{"participant": participant.String()}}, &result); err != nil {
		return Counters{}, err
	}
	return result, nil
}

// ensureNetwork verifies the node's chain id against the configured one
// before the first settlement call. Read-only calls skip the check so stats
// pages keep working against a misconfigured endpoint.
func (c *RPCClient) ensureNetwork(ctx context.Context) error {
	c.mu.Lock()
	checked := c.chainChecked
	c.mu.Unlock()
	if checked || c.chainID == 0 {
		return nil
	}
	var result struct {
		ChainID uint64 `json:"chainId"`
	}
	if err := c.call(ctx, "sens_chainId", []interface{}{}, &result); err != nil {
		return err
	}
	if result.ChainID != c.chainID {
		return fmt.Errorf("%w: node reports chain %d, configured %d", ErrWrongNetwork, result.ChainID, c.chainID)
	}
	c.mu.Lock()
	c.chainChecked = true
	c.mu.Unlock()
	return nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: rpc %s status=%d body=%s", ErrUnavailable, method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if rpcResp.Error != nil {
		return classifyError(method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("%w: rpc %s returned empty result", ErrUnavailable, method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func classifyError(method string, rpcErr *jsonRPCErrorObj) error {
	switch rpcErr.Code {
	case codeUserRejected:
		return fmt.Errorf("%w: rpc %s: %s", ErrUserRejected, method, rpcErr.Message)
	case codeInsufficientPool:
		return fmt.Errorf("%w: rpc %s: %s", ErrInsufficientPool, method, rpcErr.Message)
	case codeDailyCapReached:
		return fmt.Errorf("%w: rpc %s: %s", ErrDailyCapReached, method, rpcErr.Message)
	case codePendingRequest:
		return fmt.Errorf("%w: rpc %s: pending request: %s", ErrUnavailable, method, rpcErr.Message)
	default:
		return fmt.Errorf("%w: rpc %s code=%d: %s", ErrUnavailable, method, rpcErr.Code, rpcErr.Message)
	}
}
