package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCondition(t *testing.T) {
	valid := hex.EncodeToString(make([]byte, 32))

	tests := []struct {
		name    string
		cond    string
		wantErr bool
	}{
		{"valid zero condition", valid, false},
		{"valid real condition", "aa11223344556677889900aabbccddeeff00112233445566778899aabbccddee", false},
		{"too short", "aabb", true},
		{"not hex", "zz11223344556677889900aabbccddeeff00112233445566778899aabbccddee", true},
		{"uppercase", "AA11223344556677889900AABBCCDDEEFF00112233445566778899AABBCCDDEE", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCondition(tt.cond)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConditionFromPreimage(t *testing.T) {
	raw := []byte("thirty-two byte preimage value!!")
	require.Len(t, raw, 32)
	preimage := hex.EncodeToString(raw)

	cond, err := ConditionFromPreimage(preimage)
	require.NoError(t, err)

	sum := sha256.Sum256(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), cond)

	assert.True(t, VerifyPreimage(cond, preimage))
	assert.False(t, VerifyPreimage(cond, hex.EncodeToString(make([]byte, 32))))
	assert.False(t, VerifyPreimage(cond, "not-hex"))
}

func TestMessageConditionIsSentinel(t *testing.T) {
	require.NoError(t, ValidateCondition(MessageCondition))

	msg := &Transfer{ID: "m1", ExecutionCondition: MessageCondition}
	assert.True(t, msg.IsMessage())

	real := &Transfer{ID: "t1", ExecutionCondition: "aa11223344556677889900aabbccddeeff00112233445566778899aabbccddee"}
	assert.False(t, real.IsMessage())
}

func TestDirectionFor(t *testing.T) {
	tr := &Transfer{From: "0xaaa", To: "0xBBB"}

	assert.Equal(t, Incoming, tr.DirectionFor("0xbbb"))
	assert.Equal(t, Outgoing, tr.DirectionFor("0xaaa"))
	assert.Equal(t, Outgoing, tr.DirectionFor("0xccc"))
}

func TestMetadataRoundTrip(t *testing.T) {
	env := &Envelope{
		Transfer: &Transfer{
			ID:                 "t1",
			From:               "0xaaa",
			To:                 "0xbbb",
			Amount:             100,
			ExecutionCondition: MessageCondition,
			ExpiresAt:          time.Now().Add(time.Minute).UTC(),
		},
		DestNonce: "deadbeef",
	}

	data, err := MarshalMetadata(env)
	require.NoError(t, err)

	got, err := UnmarshalMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Transfer.ID)
	assert.Equal(t, "deadbeef", got.DestNonce)
	assert.Equal(t, int64(100), got.Transfer.Amount)
}

func TestUnmarshalMetadataRejectsForeignPayloads(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not json", []byte("not json at all")},
		{"no transfer", []byte(`{"something":"else"}`)},
		{"transfer without id", []byte(`{"transfer":{"amount":5}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalMetadata(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestTimeoutReason(t *testing.T) {
	r := TimeoutReason("0xaaa")
	assert.Equal(t, "R01", r.Code)
	assert.Equal(t, "0xaaa", r.TriggeredBy)
	assert.False(t, r.TriggeredAt.IsZero())
}
