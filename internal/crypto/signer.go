// Package crypto signs and verifies API requests with EIP-191 personal
// message signatures over secp256k1.
package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// Header names carrying a request signature.
const (
	HeaderAddress   = "X-Collectex-Address"
	HeaderTimestamp = "X-Collectex-Timestamp"
	HeaderSignature = "X-Collectex-Signature"
)

// DefaultMaxSkew is how far a request timestamp may drift from the server
// clock.
const DefaultMaxSkew = 5 * time.Minute

// RequestMessage is the text a client signs:
//
//	METHOD\nPATH\nTIMESTAMP\nhex(sha256(body))
func RequestMessage(method, path string, timestamp int64, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.ToUpper(method) + "\n" + path + "\n" +
		strconv.FormatInt(timestamp, 10) + "\n" + hex.EncodeToString(sum[:])
}

// personalHash computes the EIP-191 digest:
//
//	keccak256("\x19Ethereum Signed Message:\n" || len(msg) || msg)
func personalHash(msg string) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return ethcrypto.Keccak256([]byte(prefix), []byte(msg))
}

// Signer signs requests with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest returns the 0x-prefixed 65-byte signature of a request, with v
// in {27,28}.
func (s *Signer) SignRequest(method, path string, timestamp int64, body []byte) (string, error) {
	sig, err := ethcrypto.Sign(personalHash(RequestMessage(method, path, timestamp, body)), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Headers returns the signature headers for a request signed now.
func (s *Signer) Headers(method, path string, body []byte, now time.Time) (map[string]string, error) {
	ts := now.Unix()
	sig, err := s.SignRequest(method, path, ts, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderAddress:   s.address.Hex(),
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: sig,
	}, nil
}

// RequestDigest identifies a signed request by the message it signs, so
// every valid encoding of a signature over the same request maps to one
// digest.
func RequestDigest(method, path string, timestamp int64, body []byte) string {
	return hex.EncodeToString(ethcrypto.Keccak256([]byte(RequestMessage(method, path, timestamp, body))))
}

// Verifier checks request signatures.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

// NewVerifier creates a Verifier allowing maxSkew of clock drift. Zero means
// DefaultMaxSkew.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{MaxSkew: maxSkew, Now: time.Now}
}

// Verify checks that sigHex was produced by claimed over the request. Any
// mismatch wraps domain.ErrBadSignature.
func (v *Verifier) Verify(claimed common.Address, method, path, timestamp string, body []byte, sigHex string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto/signer: %w: bad timestamp %q", domain.ErrBadSignature, timestamp)
	}
	skew := v.Now().Sub(time.Unix(ts, 0))
	if skew < -v.MaxSkew || skew > v.MaxSkew {
		return fmt.Errorf("crypto/signer: %w: timestamp outside %s window", domain.ErrBadSignature, v.MaxSkew)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("crypto/signer: %w: malformed signature", domain.ErrBadSignature)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(personalHash(RequestMessage(method, path, ts, body)), sig)
	if err != nil {
		return fmt.Errorf("crypto/signer: %w: %v", domain.ErrBadSignature, err)
	}
	if recovered := ethcrypto.PubkeyToAddress(*pub); recovered != claimed {
		return fmt.Errorf("crypto/signer: %w: signed by %s, not %s", domain.ErrBadSignature, recovered.Hex(), claimed.Hex())
	}
	return nil
}
