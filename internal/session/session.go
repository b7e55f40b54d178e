// Package session resolves the local ledger identity once at connect time
// into an immutable value referenced by every other component.
package session

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/ledgerlink/internal/idgen"
	"github.com/mbd888/ledgerlink/internal/ledger"
)

var ErrInvalidPrivateKey = errors.New("session: invalid private key")

// Info describes the ledger as seen by the payment router.
type Info struct {
	Prefix        string   `json:"prefix"`
	CurrencyCode  string   `json:"currencyCode"`
	CurrencyScale int      `json:"currencyScale"`
	Connectors    []string `json:"connectors,omitempty"`
}

// Identity is the resolved session identity. It is computed once at
// connect and never mutated afterwards.
type Identity struct {
	Address   string
	PublicKey string
	AssetID   string
	Info      Info

	key *ecdsa.PrivateKey
}

// Resolve derives the session identity from a hex-encoded secp256k1
// signing key (with or without 0x prefix).
func Resolve(privateKeyHex, assetID string, info Info) (*Identity, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	return &Identity{
		Address:   strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		PublicKey: hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey)),
		AssetID:   assetID,
		Info:      info,
		key:       key,
	}, nil
}

// NewDestination derives a fresh one-time destination key for a transfer
// to addr. The nonce travels in contract metadata; the receiver re-derives
// the key with DeriveDestination to authorize fulfill/reject.
func NewDestination(addr string) ledger.DestinationKey {
	return DeriveDestination(addr, idgen.Hex(16))
}

// DeriveDestination deterministically derives the one-time destination key
// for (addr, nonce). Keys are unlinkable across transfers because each
// contract uses a fresh nonce.
func DeriveDestination(addr, nonce string) ledger.DestinationKey {
	sum := sha256.Sum256([]byte("ledgerlink/dest|" + strings.ToLower(addr) + "|" + nonce))
	return ledger.DestinationKey{
		Key:   hex.EncodeToString(sum[:]),
		Nonce: nonce,
	}
}
