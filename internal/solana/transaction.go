package solana

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionView is a getTransaction result in jsonParsed encoding with typed accessors.
type TransactionView struct {
	Slot      uint64     `json:"slot"`
	BlockTime *int64     `json:"blockTime"`
	Meta      *txMeta    `json:"meta"`
	Tx        txEnvelope `json:"transaction"`
}

type txMeta struct {
	Err               json.RawMessage    `json:"err"`
	Fee               uint64             `json:"fee"`
	PreBalances       []uint64           `json:"preBalances"`
	PostBalances      []uint64           `json:"postBalances"`
	PreTokenBalances  []TokenBalance     `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance     `json:"postTokenBalances"`
	InnerInstructions []innerInstruction `json:"innerInstructions"`
	LogMessages       []string           `json:"logMessages"`
}

type innerInstruction struct {
	Index        int           `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

type txEnvelope struct {
	Signatures []string  `json:"signatures"`
	Message    txMessage `json:"message"`
}

type txMessage struct {
	AccountKeys  []accountKey  `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

type accountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// TokenBalance is an entry of meta.preTokenBalances / meta.postTokenBalances.
type TokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals uint8  `json:"decimals"`
	} `json:"uiTokenAmount"`
}

// RawAmount returns the raw token amount.
func (b TokenBalance) RawAmount() decimal.Decimal {
	d, err := decimal.NewFromString(b.UITokenAmount.Amount)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Instruction is a jsonParsed instruction; Parsed is set only for programs the node decodes.
type Instruction struct {
	Program   string          `json:"program,omitempty"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
	Accounts  []string        `json:"accounts,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// ParsedInstruction is the decoded {type, info} body of a parsed instruction.
type ParsedInstruction struct {
	Type string         `json:"type"`
	Info map[string]any `json:"info"`
}

// Decode returns the parsed body, ok=false when the instruction is not parsed or is a bare string.
func (ix Instruction) Decode() (ParsedInstruction, bool) {
	var p ParsedInstruction
	if len(ix.Parsed) == 0 || ix.Parsed[0] != '{' {
		return p, false
	}
	if err := json.Unmarshal(ix.Parsed, &p); err != nil {
		return p, false
	}
	return p, p.Type != ""
}

// TokenDelta is a positive or negative change of a token balance.
type TokenDelta struct {
	AccountIndex int
	Mint         string
	Owner        string
	Delta        decimal.Decimal // raw units
	Decimals     uint8
}

// Signature returns the first signature.
func (v *TransactionView) Signature() string {
	if len(v.Tx.Signatures) == 0 {
		return ""
	}
	return v.Tx.Signatures[0]
}

// Time returns the block time, zero if unknown.
func (v *TransactionView) Time() time.Time {
	if v.BlockTime == nil {
		return time.Time{}
	}
	return time.Unix(*v.BlockTime, 0).UTC()
}

// Failed reports whether the transaction errored on chain.
func (v *TransactionView) Failed() bool {
	if v.Meta == nil {
		return false
	}
	e := v.Meta.Err
	return len(e) > 0 && string(e) != "null"
}

// AccountKeys returns the message account keys in order.
func (v *TransactionView) AccountKeys() []string {
	out := make([]string, len(v.Tx.Message.AccountKeys))
	for i, k := range v.Tx.Message.AccountKeys {
		out[i] = k.Pubkey
	}
	return out
}

// FeePayer returns the first account key.
func (v *TransactionView) FeePayer() string {
	if len(v.Tx.Message.AccountKeys) == 0 {
		return ""
	}
	return v.Tx.Message.AccountKeys[0].Pubkey
}

// PreTokenBalances returns meta.preTokenBalances.
func (v *TransactionView) PreTokenBalances() []TokenBalance {
	if v.Meta == nil {
		return nil
	}
	return v.Meta.PreTokenBalances
}

// PostTokenBalances returns meta.postTokenBalances.
func (v *TransactionView) PostTokenBalances() []TokenBalance {
	if v.Meta == nil {
		return nil
	}
	return v.Meta.PostTokenBalances
}

// Logs returns the program log lines.
func (v *TransactionView) Logs() []string {
	if v.Meta == nil {
		return nil
	}
	return v.Meta.LogMessages
}

// Instructions returns the outer instructions, each followed by its inner instructions.
func (v *TransactionView) Instructions() []Instruction {
	inner := make(map[int][]Instruction)
	if v.Meta != nil {
		for _, ii := range v.Meta.InnerInstructions {
			inner[ii.Index] = append(inner[ii.Index], ii.Instructions...)
		}
	}
	out := make([]Instruction, 0, len(v.Tx.Message.Instructions))
	for i, ix := range v.Tx.Message.Instructions {
		out = append(out, ix)
		out = append(out, inner[i]...)
	}
	return out
}

// ProgramIDs returns the distinct programs invoked, outer and inner.
func (v *TransactionView) ProgramIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ix := range v.Instructions() {
		if ix.ProgramID != "" && !seen[ix.ProgramID] {
			seen[ix.ProgramID] = true
			out = append(out, ix.ProgramID)
		}
	}
	return out
}

// TokenDeltas computes post − pre per (account index, mint), in first-seen order.
// When owner is non-empty, only balances owned by it (or with no owner recorded) are kept.
func (v *TransactionView) TokenDeltas(owner string) []TokenDelta {
	type key struct {
		idx  int
		mint string
	}
	var order []key
	acc := make(map[key]*TokenDelta)
	add := func(b TokenBalance, sign int64) {
		if owner != "" && b.Owner != "" && b.Owner != owner {
			return
		}
		k := key{b.AccountIndex, b.Mint}
		d, ok := acc[k]
		if !ok {
			d = &TokenDelta{AccountIndex: b.AccountIndex, Mint: b.Mint, Owner: b.Owner, Decimals: b.UITokenAmount.Decimals}
			acc[k] = d
			order = append(order, k)
		}
		d.Delta = d.Delta.Add(b.RawAmount().Mul(decimal.NewFromInt(sign)))
	}
	for _, b := range v.PreTokenBalances() {
		add(b, -1)
	}
	for _, b := range v.PostTokenBalances() {
		add(b, 1)
	}
	out := make([]TokenDelta, 0, len(order))
	for _, k := range order {
		if !acc[k].Delta.IsZero() {
			out = append(out, *acc[k])
		}
	}
	return out
}

// LamportDelta returns post − pre lamports for account, 0 if absent.
func (v *TransactionView) LamportDelta(account string) int64 {
	if v.Meta == nil {
		return 0
	}
	for i, k := range v.Tx.Message.AccountKeys {
		if k.Pubkey != account {
			continue
		}
		if i < len(v.Meta.PreBalances) && i < len(v.Meta.PostBalances) {
			return int64(v.Meta.PostBalances[i]) - int64(v.Meta.PreBalances[i])
		}
	}
	return 0
}

// Fee returns the transaction fee in lamports.
func (v *TransactionView) Fee() uint64 {
	if v.Meta == nil {
		return 0
	}
	return v.Meta.Fee
}

// TokenAccountInfo resolves a token account address to its mint and owner from the balance tables.
func (v *TransactionView) TokenAccountInfo(account string) (mint, owner string, ok bool) {
	keys := v.Tx.Message.AccountKeys
	for _, list := range [][]TokenBalance{v.PostTokenBalances(), v.PreTokenBalances()} {
		for _, b := range list {
			if b.AccountIndex < len(keys) && keys[b.AccountIndex].Pubkey == account {
				return b.Mint, b.Owner, true
			}
		}
	}
	return "", "", false
}
