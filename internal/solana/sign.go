package solana

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// SignBase64Transaction decodes a base64 wire transaction, signs it with key and
// returns the re-encoded transaction and its first signature.
func SignBase64Transaction(txBase64 string, key solanago.PrivateKey) (signed string, sig string, err error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", "", fmt.Errorf("sign: decode base64: %w", err)
	}
	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", "", fmt.Errorf("sign: parse transaction: %w", err)
	}
	return signAndEncode(tx, key)
}

// BuildTipTransaction builds and signs a system transfer of lamports from key to tipAccount.
func BuildTipTransaction(key solanago.PrivateKey, tipAccount string, lamports uint64, blockhash string) (string, error) {
	to, err := solanago.PublicKeyFromBase58(tipAccount)
	if err != nil {
		return "", fmt.Errorf("tip: account: %w", err)
	}
	hash, err := solanago.HashFromBase58(blockhash)
	if err != nil {
		return "", fmt.Errorf("tip: blockhash: %w", err)
	}
	from := key.PublicKey()
	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{system.NewTransferInstruction(lamports, from, to).Build()},
		hash,
		solanago.TransactionPayer(from),
	)
	if err != nil {
		return "", fmt.Errorf("tip: build: %w", err)
	}
	signed, _, err := signAndEncode(tx, key)
	return signed, err
}

func signAndEncode(tx *solanago.Transaction, key solanago.PrivateKey) (string, string, error) {
	pub := key.PublicKey()
	if _, err := tx.Sign(func(k solanago.PublicKey) *solanago.PrivateKey {
		if k.Equals(pub) {
			return &key
		}
		return nil
	}); err != nil {
		return "", "", fmt.Errorf("sign: %w", err)
	}
	out, err := tx.MarshalBinary()
	if err != nil {
		return "", "", fmt.Errorf("sign: encode: %w", err)
	}
	if len(tx.Signatures) == 0 {
		return "", "", fmt.Errorf("sign: no signature produced")
	}
	return base64.StdEncoding.EncodeToString(out), tx.Signatures[0].String(), nil
}
