package protection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/adapters/jupiter"
	"github.com/nexus-trading/tradecore/internal/solana"
)

// Honeypot sub-method names.
const (
	MethodSimulatedSell        = "simulated_sell"
	MethodLiquidityLock        = "liquidity_lock"
	MethodTransferRestrictions = "transfer_restrictions"
	MethodScamDatabase         = "scam_database"
	MethodExternalScore        = "external_score"
	MethodSuspicion            = "suspicion_score"
)

// Token-2022 extensions that can stop or tax a sell.
var restrictiveExtensions = []string{
	"transferHook",
	"nonTransferable",
	"permanentDelegate",
	"transferFeeConfig",
	"pausableConfig",
}

// MethodResult is the outcome of one honeypot sub-method.
type MethodResult struct {
	Name    string `json:"name"`
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HoneypotResult is the cached L1 verdict for a mint.
type HoneypotResult struct {
	Flagged   bool           `json:"flagged"`
	Method    string         `json:"method,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Suspicion int            `json:"suspicion"`
	Methods   []MethodResult `json:"methods"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Degraded reports an unflagged verdict in which some sub-method could not
// finish. Such a verdict is not cached: a later check may reach a conclusion.
func (r HoneypotResult) Degraded() bool {
	if r.Flagged {
		return false
	}
	for _, m := range r.Methods {
		if m.Error != "" {
			return true
		}
	}
	return false
}

// SellQuoter builds sell routes. Satisfied by *jupiter.APIClient.
type SellQuoter interface {
	GetQuote(ctx context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error)
	GetSwapTransaction(ctx context.Context, quote *jupiter.Quote, userPubkey string, opts jupiter.SwapOptions) (string, error)
}

// tokenFacts is what the battery already fetched for a mint.
type tokenFacts struct {
	info           *solana.TokenInfo
	holders        []solana.HolderInfo
	liquidityUSD   float64
	liquidityKnown bool
}

func (f tokenFacts) largestHolderPct() float64 {
	max := 0.0
	for _, h := range f.holders {
		max = math.Max(max, h.Percentage)
	}
	return max
}

func (f tokenFacts) topHoldersPct() float64 {
	sum := 0.0
	for _, h := range f.holders {
		sum += h.Percentage
	}
	return sum
}

// detectHoneypot runs the six sub-methods. Any positive method flags the mint.
func (b *Battery) detectHoneypot(ctx context.Context, mint string, facts tokenFacts) HoneypotResult {
	res := HoneypotResult{CheckedAt: time.Now()}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		methods = make([]MethodResult, 0, 6)
	)
	add := func(m MethodResult) {
		mu.Lock()
		methods = append(methods, m)
		mu.Unlock()
	}

	add(checkTransferRestrictions(facts.info))

	wg.Add(2)
	go func() {
		defer wg.Done()
		add(b.simulateSell(ctx, mint, facts.info))
	}()
	go func() {
		defer wg.Done()
		for _, m := range b.checkExternal(ctx, mint) {
			add(m)
		}
	}()
	wg.Wait()

	res.Suspicion = suspicionScore(facts)
	susp := MethodResult{Name: MethodSuspicion}
	if res.Suspicion >= b.config.SuspicionThreshold {
		susp.Flagged = true
		susp.Reason = fmt.Sprintf("suspicion %d >= %d", res.Suspicion, b.config.SuspicionThreshold)
	}
	methods = append(methods, susp)

	res.Methods = methods
	for _, m := range methods {
		if m.Flagged {
			res.Flagged = true
			res.Method = m.Name
			res.Reason = m.Reason
			break
		}
	}
	return res
}

// checkTransferRestrictions flags Token-2022 mints whose extensions can block or tax transfers.
// A plain freeze authority is scored by the freeze-authority layer instead.
func checkTransferRestrictions(info *solana.TokenInfo) MethodResult {
	m := MethodResult{Name: MethodTransferRestrictions}
	if info == nil || !info.IsToken2022() {
		return m
	}
	for _, ext := range restrictiveExtensions {
		if info.HasExtension(ext) {
			m.Flagged = true
			m.Reason = "token-2022 extension " + ext
			return m
		}
	}
	// Accounts created frozen can only be thawed by the freeze authority.
	if info.HasExtension("defaultAccountState") && !info.IsFreezeRenounced() {
		m.Flagged = true
		m.Reason = "default account state with live freeze authority"
	}
	return m
}

// simulateSell asks the aggregator for a sell route of one whole token. No route or a
// zero output flags the mint. With a probe wallet the built transaction is also simulated.
func (b *Battery) simulateSell(ctx context.Context, mint string, info *solana.TokenInfo) MethodResult {
	m := MethodResult{Name: MethodSimulatedSell}
	if !b.config.SimulateSell || b.quoter == nil {
		m.Reason = "disabled"
		return m
	}
	if info == nil {
		m.Error = "token info unavailable"
		return m
	}

	probe := uint64(math.Pow10(int(info.Decimals)))
	if probe == 0 {
		probe = 1
	}
	quote, err := b.quoter.GetQuote(ctx, jupiter.QuoteRequest{
		InputMint:   mint,
		OutputMint:  solana.SOLMint,
		Amount:      probe,
		SlippageBps: 5000,
	})
	if errors.Is(err, jupiter.ErrNoRoute) {
		m.Flagged = true
		m.Reason = "no sell route"
		return m
	}
	if err != nil {
		m.Error = err.Error()
		log.Warn().Err(err).Str("mint", mint).Msg("protection: sell quote failed")
		return m
	}
	if quote.OutAmount == 0 {
		m.Flagged = true
		m.Reason = "sell quote returns zero"
		return m
	}

	if b.config.ProbeWallet == "" {
		return m
	}
	tx, err := b.quoter.GetSwapTransaction(ctx, quote, b.config.ProbeWallet, jupiter.SwapOptions{WrapUnwrapSOL: true})
	if err != nil {
		m.Error = err.Error()
		return m
	}
	sim, err := b.rpc.SimulateTransaction(ctx, tx)
	if err != nil {
		m.Error = err.Error()
		return m
	}
	if sim.Failed() && !probeLacksFunds(sim) {
		m.Flagged = true
		m.Reason = "sell simulation failed: " + sim.Err
	}
	return m
}

// probeLacksFunds reports simulation failures caused by the probe wallet not holding the token.
func probeLacksFunds(sim *solana.SimulationResult) bool {
	blob := strings.ToLower(sim.Err + " " + strings.Join(sim.Logs, " "))
	return strings.Contains(blob, "insufficient") || strings.Contains(blob, "accountnotfound")
}

// checkExternal queries every configured scam database concurrently.
// I/O failures degrade to not flagged.
func (b *Battery) checkExternal(ctx context.Context, mint string) []MethodResult {
	if len(b.sources) == 0 {
		return []MethodResult{
			{Name: MethodLiquidityLock, Reason: "no source"},
			{Name: MethodScamDatabase, Reason: "no source"},
			{Name: MethodExternalScore, Reason: "no source"},
		}
	}

	verdicts := make([]*ExternalVerdict, len(b.sources))
	errs := make([]error, len(b.sources))
	var wg sync.WaitGroup
	for i, src := range b.sources {
		wg.Add(1)
		go func(i int, src ExternalSource) {
			defer wg.Done()
			v, err := src.Check(ctx, mint)
			if err != nil {
				b.externalErrors.Add(1)
				log.Warn().Err(err).Str("source", src.Name()).Str("mint", mint).Msg("protection: external check failed")
			}
			verdicts[i], errs[i] = v, err
		}(i, src)
	}
	wg.Wait()

	lock := MethodResult{Name: MethodLiquidityLock}
	db := MethodResult{Name: MethodScamDatabase}
	score := MethodResult{Name: MethodExternalScore}
	var dbErrs, scoreErrs []string

	for i, src := range b.sources {
		target := &db
		errList := &dbErrs
		if _, ok := src.(*ScoreSource); ok {
			target, errList = &score, &scoreErrs
		}
		if _, ok := src.(*ClassifierSource); ok {
			target, errList = &score, &scoreErrs
		}
		if errs[i] != nil {
			*errList = append(*errList, src.Name()+": "+errs[i].Error())
			continue
		}
		v := verdicts[i]
		if v.LPUnlocked {
			lock.Flagged = true
			lock.Reason = "liquidity not locked (" + v.Source + ")"
		}
		if v.Flagged && !target.Flagged {
			target.Flagged = true
			target.Reason = v.Source + ": " + v.Reason
		}
	}
	db.Error = strings.Join(dbErrs, "; ")
	score.Error = strings.Join(scoreErrs, "; ")
	return []MethodResult{lock, db, score}
}

// suspicionScore combines on-chain red flags into a 0-100 score.
func suspicionScore(f tokenFacts) int {
	s := 0
	if f.info != nil {
		if !f.info.IsMintRenounced() {
			s += 20
		}
		if !f.info.IsFreezeRenounced() {
			s += 20
		}
		if f.info.IsToken2022() && len(f.info.Extensions) > 0 {
			s += 15
		}
		if f.info.Decimals == 0 || f.info.Decimals > 9 {
			s += 10
		}
	}
	if f.largestHolderPct() > 50 {
		s += 25
	}
	if f.topHoldersPct() > 90 {
		s += 10
	}
	if f.liquidityKnown && f.liquidityUSD < 1000 {
		s += 15
	}
	if s > 100 {
		s = 100
	}
	return s
}
