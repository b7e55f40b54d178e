// Package transfer defines the conditional-transfer data model shared by
// the lifecycle orchestrator, the notification reconciler, and the
// messaging bridge.
//
// A Transfer describes funds locked in an escrow contract on the ledger,
// releasable only by presenting the preimage of ExecutionCondition
// (fulfill), an authorized rejection, or a timeout past ExpiresAt.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConnection        = errors.New("connection failed")
	ErrNotConnected      = errors.New("plugin is not connected")
	ErrDuplicateTransfer = errors.New("duplicate transfer id")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrContractCreation  = errors.New("contract creation failed")

	// ErrTransferNotFound is returned by fulfill/reject/query when no open
	// contract exists for the id. It deliberately does not distinguish
	// "never existed" from "already closed": the ledger is the only source
	// of truth for contract state, and once an output is spent the lookup
	// fails the same way as for an id that was never used.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrNotFulfilled is returned by a fulfillment query when the contract
	// was closed by reject or timeout instead of fulfill.
	ErrNotFulfilled = errors.New("transfer was not fulfilled")
)

// ConditionBytes is the fixed length of an execution condition commitment.
const ConditionBytes = 32

// MessageCondition is the reserved sentinel condition marking a 1-unit
// transfer as a disguised message rather than real value. No preimage
// hashing to all zeroes is known, so the sentinel is unfulfillable.
const MessageCondition = "0000000000000000000000000000000000000000000000000000000000000000"

// Direction of a transfer relative to the local session identity.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Transfer is a conditional payment. Amounts are integers in the ledger's
// base units; conditions and preimages are lowercase hex.
type Transfer struct {
	ID                 string          `json:"id"`
	From               string          `json:"from"`
	To                 string          `json:"to"`
	Amount             int64           `json:"amount"`
	ExecutionCondition string          `json:"executionCondition"`
	ILP                []byte          `json:"ilp,omitempty"`
	Custom             json.RawMessage `json:"custom,omitempty"`
	NoteToSelf         json.RawMessage `json:"noteToSelf,omitempty"`
	ExpiresAt          time.Time       `json:"expiresAt"`
	Direction          Direction       `json:"direction,omitempty"`
}

// IsMessage reports whether the transfer carries the sentinel condition.
func (t *Transfer) IsMessage() bool {
	return t.ExecutionCondition == MessageCondition
}

// DirectionFor derives the transfer direction relative to addr.
func (t *Transfer) DirectionFor(addr string) Direction {
	if strings.EqualFold(t.To, addr) {
		return Incoming
	}
	return Outgoing
}

// Message is an out-of-band message between two ledger addresses.
type Message struct {
	ID   string          `json:"id"`
	From string          `json:"from"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

// RejectionReason is the payload carried by reject events and proposals.
type RejectionReason struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Message     string    `json:"message"`
	TriggeredBy string    `json:"triggeredBy,omitempty"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// TimeoutReason builds the synthetic rejection reason used when a contract
// closes via timeout. Timeouts surface to consumers as rejects.
func TimeoutReason(triggeredBy string) *RejectionReason {
	return &RejectionReason{
		Code:        "R01",
		Name:        "transfer timed out",
		Message:     "transfer expired before the condition was fulfilled",
		TriggeredBy: triggeredBy,
		TriggeredAt: time.Now().UTC(),
	}
}

// Envelope is the contract metadata written alongside every escrow output.
// It carries the full Transfer plus the nonce used to derive the one-time
// destination key, so the receiver can reconstruct both.
type Envelope struct {
	Transfer  *Transfer `json:"transfer"`
	DestNonce string    `json:"destNonce,omitempty"`
}

// MarshalMetadata serializes an envelope for contract metadata.
func MarshalMetadata(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal transfer metadata: %w", err)
	}
	return data, nil
}

// UnmarshalMetadata parses contract metadata back into an envelope. It
// fails on anything that does not carry a transfer with an id, so callers
// can use it to recognize our escrows among arbitrary ledger outputs.
func UnmarshalMetadata(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("empty transfer metadata")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal transfer metadata: %w", err)
	}
	if env.Transfer == nil || env.Transfer.ID == "" {
		return nil, errors.New("metadata carries no transfer id")
	}
	return &env, nil
}

// ValidateCondition checks that cond is a 32-byte lowercase hex commitment.
func ValidateCondition(cond string) error {
	raw, err := hex.DecodeString(cond)
	if err != nil {
		return fmt.Errorf("condition is not hex: %w", err)
	}
	if len(raw) != ConditionBytes {
		return fmt.Errorf("condition must be %d bytes, got %d", ConditionBytes, len(raw))
	}
	if cond != strings.ToLower(cond) {
		return errors.New("condition must be lowercase hex")
	}
	return nil
}

// ConditionFromPreimage hashes a hex-encoded preimage into its condition.
func ConditionFromPreimage(preimage string) (string, error) {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return "", fmt.Errorf("preimage is not hex: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyPreimage reports whether preimage hashes to cond.
func VerifyPreimage(cond, preimage string) bool {
	got, err := ConditionFromPreimage(preimage)
	if err != nil {
		return false
	}
	return got == cond
}
