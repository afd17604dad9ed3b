package solana

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the interface for Solana RPC interactions.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// GetTokenInfo fetches the mint account state.
	GetTokenInfo(ctx context.Context, mint string) (*TokenInfo, error)

	// GetTopHolders returns the largest N token accounts of a mint.
	GetTopHolders(ctx context.Context, mint string, limit int) ([]HolderInfo, error)

	// GetBalance returns the native balance in SOL.
	GetBalance(ctx context.Context, wallet string) (decimal.Decimal, error)

	GetSignaturesForAddress(ctx context.Context, address string, opts SignatureOpts) ([]SignatureInfo, error)

	GetTransaction(ctx context.Context, sig string) (*TransactionView, error)

	GetLatestBlockhash(ctx context.Context) (string, error)

	SimulateTransaction(ctx context.Context, txBase64 string) (*SimulationResult, error)

	// SendTransaction submits a signed base64 transaction and returns its signature.
	SendTransaction(ctx context.Context, txBase64 string) (string, error)

	GetSignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error)

	GetRecentPrioritizationFees(ctx context.Context) ([]uint64, error)

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string
	Timeout      time.Duration
	MaxRetries   int // negative disables retries
	RateLimitRPS float64
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is an in-memory RPC client for tests and dry runs.
type StubRPCClient struct {
	mu           sync.RWMutex
	tokens       map[string]*TokenInfo
	holders      map[string][]HolderInfo
	balances     map[string]decimal.Decimal
	signatures   map[string][]SignatureInfo
	transactions map[string]*TransactionView
	statuses     map[string]*SignatureStatus
	simulation   *SimulationResult
	fees         []uint64
	sent         []string
	sendErr      error
	failNext     bool
	defaultBal   decimal.Decimal
}

// NewStubRPCClient creates a stub RPC client for testing.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		tokens:       make(map[string]*TokenInfo),
		holders:      make(map[string][]HolderInfo),
		balances:     make(map[string]decimal.Decimal),
		signatures:   make(map[string][]SignatureInfo),
		transactions: make(map[string]*TransactionView),
		statuses:     make(map[string]*SignatureStatus),
		simulation:   &SimulationResult{},
		defaultBal:   decimal.NewFromInt(10),
	}
}

// AddToken registers a mint for the stub to return.
func (s *StubRPCClient) AddToken(info TokenInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[info.Mint] = &info
}

// AddHolders registers holders for a mint.
func (s *StubRPCClient) AddHolders(mint string, holders []HolderInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[mint] = holders
}

// SetBalance sets the SOL balance of a wallet.
func (s *StubRPCClient) SetBalance(wallet string, sol decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[wallet] = sol
}

// SetDefaultBalance sets the balance returned for unknown wallets.
func (s *StubRPCClient) SetDefaultBalance(sol decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultBal = sol
}

// SetSignatures sets the newest-first signature list for an address.
func (s *StubRPCClient) SetSignatures(address string, sigs []SignatureInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signatures[address] = sigs
}

// AddTransaction registers a parsed transaction under its signature.
func (s *StubRPCClient) AddTransaction(sig string, tx *TransactionView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[sig] = tx
}

// SetStatus sets the status returned for a signature.
func (s *StubRPCClient) SetStatus(sig string, st SignatureStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sig] = &st
}

// SetSimulation sets the result returned by SimulateTransaction.
func (s *StubRPCClient) SetSimulation(r SimulationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulation = &r
}

// SetFees sets the recent prioritization fees.
func (s *StubRPCClient) SetFees(fees []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees = fees
}

// SetSendError makes every SendTransaction fail with err until cleared with nil.
func (s *StubRPCClient) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns the transactions submitted so far.
func (s *StubRPCClient) Sent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.sent...)
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

func (s *StubRPCClient) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

var errStubFailure = fmt.Errorf("stub: simulated RPC failure")

// --- Interface implementation ---

func (s *StubRPCClient) GetTokenInfo(_ context.Context, mint string) (*TokenInfo, error) {
	if s.shouldFail() {
		return nil, errStubFailure
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.tokens[mint]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, fmt.Errorf("stub: token %s not found", mint)
}

func (s *StubRPCClient) GetTopHolders(_ context.Context, mint string, limit int) ([]HolderInfo, error) {
	if s.shouldFail() {
		return nil, errStubFailure
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	holders := s.holders[mint]
	if len(holders) > limit {
		holders = holders[:limit]
	}
	return append([]HolderInfo(nil), holders...), nil
}

func (s *StubRPCClient) GetBalance(_ context.Context, wallet string) (decimal.Decimal, error) {
	if s.shouldFail() {
		return decimal.Zero, errStubFailure
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.balances[wallet]; ok {
		return b, nil
	}
	return s.defaultBal, nil
}

func (s *StubRPCClient) GetSignaturesForAddress(_ context.Context, address string, opts SignatureOpts) ([]SignatureInfo, error) {
	if s.shouldFail() {
		return nil, errStubFailure
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SignatureInfo
	skipping := opts.Before != ""
	for _, sig := range s.signatures[address] {
		if skipping {
			skipping = sig.Signature != opts.Before
			continue
		}
		if opts.Until != "" && sig.Signature == opts.Until {
			break
		}
		out = append(out, sig)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *StubRPCClient) GetTransaction(_ context.Context, sig string) (*TransactionView, error) {
	if s.shouldFail() {
		return nil, errStubFailure
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tx, ok := s.transactions[sig]; ok {
		return tx, nil
	}
	return nil, fmt.Errorf("stub: transaction %s not found", sig)
}

func (s *StubRPCClient) GetLatestBlockhash(_ context.Context) (string, error) {
	if s.shouldFail() {
		return "", errStubFailure
	}
	// Base58 of 32 zero bytes.
	return "11111111111111111111111111111111", nil
}

func (s *StubRPCClient) SimulateTransaction(_ context.Context, _ string) (*SimulationResult, error) {
	if s.shouldFail() {
		return nil, errStubFailure
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.simulation
	return &cp, nil
}

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string) (string, error) {
	if s.shouldFail() {
		return "", errStubFailure
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, txBase64)
	return fmt.Sprintf("stub-sig-%d", time.Now().UnixNano()), nil
}

func (s *StubRPCClient) GetSignatureStatus(_ context.Context, sig string) (*SignatureStatus, error) {
	if s.shouldFail() {
		return nil, errStubFailure
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[sig]; ok {
		cp := *st
		return &cp, nil
	}
	return &SignatureStatus{Confirmation: "confirmed"}, nil
}

func (s *StubRPCClient) GetRecentPrioritizationFees(_ context.Context) ([]uint64, error) {
	if s.shouldFail() {
		return nil, errStubFailure
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint64(nil), s.fees...), nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	if s.shouldFail() {
		return errStubFailure
	}
	return nil
}
