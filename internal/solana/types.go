package solana

import (
	"time"

	"github.com/shopspring/decimal"
)

// Program ids and mints the engine refers to by address.
const (
	SOLMint          = "So11111111111111111111111111111111111111112"
	USDCMint         = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	TokenProgramID   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022Program = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	SystemProgramID  = "11111111111111111111111111111111"
)

// TokenInfo is the on-chain mint account state.
type TokenInfo struct {
	Mint            string          `json:"mint"`
	Decimals        uint8           `json:"decimals"`
	Supply          decimal.Decimal `json:"supply"`           // raw units
	MintAuthority   string          `json:"mint_authority"`   // empty = renounced
	FreezeAuthority string          `json:"freeze_authority"` // empty = renounced
	ProgramID       string          `json:"program_id"`
	Extensions      []string        `json:"extensions,omitempty"`
}

// IsMintRenounced returns true if the mint authority is empty.
func (t TokenInfo) IsMintRenounced() bool {
	return t.MintAuthority == ""
}

// IsFreezeRenounced returns true if the freeze authority is empty.
func (t TokenInfo) IsFreezeRenounced() bool {
	return t.FreezeAuthority == ""
}

// IsToken2022 reports whether the mint is owned by the Token-2022 program.
func (t TokenInfo) IsToken2022() bool {
	return t.ProgramID == Token2022Program
}

// HasExtension reports whether a Token-2022 extension is present.
func (t TokenInfo) HasExtension(name string) bool {
	for _, e := range t.Extensions {
		if e == name {
			return true
		}
	}
	return false
}

// HolderInfo describes one of the largest token accounts of a mint.
type HolderInfo struct {
	Address    string          `json:"address"`
	Balance    decimal.Decimal `json:"balance"` // raw units
	Percentage float64         `json:"percentage"`
}

// SignatureInfo is one entry of getSignaturesForAddress.
type SignatureInfo struct {
	Signature string     `json:"signature"`
	Slot      uint64     `json:"slot"`
	BlockTime *time.Time `json:"block_time,omitempty"`
	Failed    bool       `json:"failed"`
}

// SignatureOpts bounds a getSignaturesForAddress page.
type SignatureOpts struct {
	Limit  int
	Before string
	Until  string
}

// SignatureStatus is the confirmation state of a submitted transaction.
type SignatureStatus struct {
	Confirmation string `json:"confirmation"` // ""|processed|confirmed|finalized
	Err          string `json:"err,omitempty"`
}

// Landed reports whether the transaction reached confirmed or finalized.
func (s SignatureStatus) Landed() bool {
	return s.Confirmation == "confirmed" || s.Confirmation == "finalized"
}

// SimulationResult is the outcome of simulateTransaction.
type SimulationResult struct {
	Err           string   `json:"err,omitempty"`
	Logs          []string `json:"logs,omitempty"`
	UnitsConsumed uint64   `json:"units_consumed"`
}

// Failed reports whether the simulation returned an error.
func (r SimulationResult) Failed() bool {
	return r.Err != ""
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Shift(-9)
}

// SOLToLamports converts SOL to lamports, truncating.
func SOLToLamports(sol decimal.Decimal) uint64 {
	return uint64(sol.Shift(9).IntPart())
}
