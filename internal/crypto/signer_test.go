package crypto

import (
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// Well-known development key (hardhat account #0).
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(time.Minute)
	v.Now = func() time.Time { return now }
	return v
}

func TestRequestMessage(t *testing.T) {
	msg := RequestMessage("post", "/api/orders", 1700000000, []byte(""))
	assert.Equal(t,
		"POST\n/api/orders\n1700000000\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		msg)
}

func TestSignAndVerify(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	now := time.Unix(1_800_000_000, 0)
	body := []byte(`{"item":"1"}`)
	h, err := s.Headers("POST", "/api/orders", body, now)
	require.NoError(t, err)

	v := fixedVerifier(now.Add(30 * time.Second))
	require.NoError(t, v.Verify(s.Address(), "POST", "/api/orders", h[HeaderTimestamp], body, h[HeaderSignature]))
}

func TestVerifyRejects(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)
	now := time.Unix(1_800_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"amount":"5"}`)
	sig, err := s.SignRequest("POST", "/api/staking/stake", now.Unix(), body)
	require.NoError(t, err)
	other := common.HexToAddress("0x0000000000000000000000000000000000000099")

	tests := []struct {
		name   string
		verify func(v *Verifier) error
	}{
		{"tampered body", func(v *Verifier) error {
			return v.Verify(s.Address(), "POST", "/api/staking/stake", ts, []byte(`{"amount":"6"}`), sig)
		}},
		{"other path", func(v *Verifier) error {
			return v.Verify(s.Address(), "POST", "/api/staking/withdraw", ts, body, sig)
		}},
		{"wrong claimed address", func(v *Verifier) error {
			return v.Verify(other, "POST", "/api/staking/stake", ts, body, sig)
		}},
		{"malformed signature", func(v *Verifier) error {
			return v.Verify(s.Address(), "POST", "/api/staking/stake", ts, body, "0x1234")
		}},
		{"bad timestamp", func(v *Verifier) error {
			return v.Verify(s.Address(), "POST", "/api/staking/stake", "yesterday", body, sig)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.verify(fixedVerifier(now))
			require.ErrorIs(t, err, domain.ErrBadSignature)
		})
	}

	t.Run("stale", func(t *testing.T) {
		err := fixedVerifier(now.Add(2*time.Minute)).Verify(s.Address(), "POST", "/api/staking/stake", ts, body, sig)
		require.ErrorIs(t, err, domain.ErrBadSignature)
	})
	t.Run("raw recovery id", func(t *testing.T) {
		raw := []byte(sig)
		// v of 27 or 28 becomes 0 or 1: last hex byte "1b"/"1c" -> "00"/"01".
		lowered := string(raw[:len(raw)-2]) + map[string]string{"1b": "00", "1c": "01"}[string(raw[len(raw)-2:])]
		require.NoError(t, fixedVerifier(now).Verify(s.Address(), "POST", "/api/staking/stake", ts, body, lowered))
	})
}
