package solana

import (
	"encoding/json"
	"strconv"
	"time"
)

// SwapFixture describes a synthetic swap for StubRPCClient.AddTransaction.
type SwapFixture struct {
	Signature    string
	Wallet       string
	Mint         string
	TokenDelta   int64 // raw units, positive when the wallet receives
	LamportDelta int64 // wallet native change, fee excluded
	Decimals     uint8
	BlockTime    time.Time
	Program      string // venue program id, defaults to Raydium AMM
	Failed       bool
}

// View builds the jsonParsed TransactionView of the fixture.
func (f SwapFixture) View() *TransactionView {
	const fee = 5000
	program := f.Program
	if program == "" {
		program = DEXPrograms["raydium"]
	}
	pre, post := int64(0), f.TokenDelta
	if f.TokenDelta < 0 {
		pre, post = -f.TokenDelta, 0
	}
	startLamports := int64(10_000_000_000)

	balance := func(amount int64) map[string]any {
		return map[string]any{
			"accountIndex": 1,
			"mint":         f.Mint,
			"owner":        f.Wallet,
			"uiTokenAmount": map[string]any{
				"amount":   strconv.FormatInt(amount, 10),
				"decimals": f.Decimals,
			},
		}
	}
	var txErr any
	if f.Failed {
		txErr = map[string]any{"InstructionError": []any{0, "Custom"}}
	}
	raw := map[string]any{
		"slot":      1,
		"blockTime": f.BlockTime.Unix(),
		"meta": map[string]any{
			"err":               txErr,
			"fee":               fee,
			"preBalances":       []int64{startLamports, 2039280, 1},
			"postBalances":      []int64{startLamports + f.LamportDelta - fee, 2039280, 1},
			"preTokenBalances":  []any{balance(pre)},
			"postTokenBalances": []any{balance(post)},
		},
		"transaction": map[string]any{
			"signatures": []string{f.Signature},
			"message": map[string]any{
				"accountKeys": []map[string]any{
					{"pubkey": f.Wallet, "signer": true, "writable": true},
					{"pubkey": "Ata" + f.Signature, "signer": false, "writable": true},
					{"pubkey": program, "signer": false, "writable": false},
				},
				"instructions": []map[string]any{
					{"programId": program, "accounts": []string{f.Wallet}, "data": "x"},
				},
			},
		},
	}
	data, _ := json.Marshal(raw)
	var v TransactionView
	_ = json.Unmarshal(data, &v)
	return &v
}
