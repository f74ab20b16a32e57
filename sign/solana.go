package sign

import (
	"crypto/ed25519"
	"net/http"
	"strconv"
	"time"

	"github.com/mr-tron/base58"
)

// SolanaSigner signs the method-path-timestamp-window-body canonical with a
// Solana keypair. The wallet key is the base58 64-byte keypair export.
type SolanaSigner struct {
	key    ed25519.PrivateKey
	window time.Duration

	WalletHeader    string
	SignatureHeader string
	TimestampHeader string
	WindowHeader    string
}

// NewSolana parses a base58-encoded keypair (64 bytes) or seed (32 bytes).
func NewSolana(walletKey string, window time.Duration) (*SolanaSigner, error) {
	raw, err := base58.Decode(walletKey)
	if err != nil {
		return nil, sigErr("solana: wallet key is not base58", nil)
	}
	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, sigErr("solana: keypair must be 32 or 64 bytes", nil)
	}
	if window <= 0 {
		window = DefaultRecvWindow
	}
	return &SolanaSigner{
		key:             key,
		window:          window,
		WalletHeader:    "X-Wallet",
		SignatureHeader: "X-Signature",
		TimestampHeader: "X-Timestamp",
		WindowHeader:    "X-Window",
	}, nil
}

func (s *SolanaSigner) Sign(req *Request) (*Signed, error) {
	if !s.HasCredentials() {
		return nil, sigErr("solana: missing credentials", nil)
	}
	ts := timestampMs(req)
	windowMs := s.window.Milliseconds()
	message := pathCanonical(req.Method, req.Path, ts, windowMs, req.Body)
	signature := ed25519.Sign(s.key, []byte(message))

	headers := s.Headers()
	headers.Set(s.SignatureHeader, base58.Encode(signature))
	headers.Set(s.TimestampHeader, strconv.FormatInt(ts, 10))
	headers.Set(s.WindowHeader, strconv.FormatInt(windowMs, 10))
	return &Signed{Headers: headers}, nil
}

func (s *SolanaSigner) Headers() http.Header {
	h := http.Header{}
	if len(s.key) == ed25519.PrivateKeySize {
		pub := s.key.Public().(ed25519.PublicKey)
		h.Set(s.WalletHeader, base58.Encode(pub))
	}
	return h
}

func (s *SolanaSigner) HasCredentials() bool {
	return len(s.key) == ed25519.PrivateKeySize
}
