package sign

import (
	"crypto/ecdsa"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// ECDSASigner signs SHA3-256 digests of `timestamp || METHOD || basePath ||
// sortedQuery` with a secp256k1 key and emits the signature as 0x{r}{s}.
type ECDSASigner struct {
	key      *ecdsa.PrivateKey
	basePath string

	KeyHeader       string
	SignatureHeader string
	TimestampHeader string
}

// NewECDSA parses a hex private key (0x prefix optional). basePath is the
// venue API prefix included in every canonical message.
func NewECDSA(privateKeyHex, basePath string) (*ECDSASigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, sigErr("ecdsa: empty key material", nil)
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, sigErr("ecdsa: invalid private key", err)
	}
	return &ECDSASigner{
		key:             key,
		basePath:        basePath,
		KeyHeader:       "X-API-Key",
		SignatureHeader: "X-Signature",
		TimestampHeader: "X-Timestamp",
	}, nil
}

func (s *ECDSASigner) Sign(req *Request) (*Signed, error) {
	if !s.HasCredentials() {
		return nil, sigErr("ecdsa: missing credentials", nil)
	}
	ts := timestampMs(req)
	canonical := strconv.FormatInt(ts, 10) + strings.ToUpper(req.Method) + s.basePath + encodedQuery(req.Params)

	digest := sha3.Sum256([]byte(canonical))
	signature, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, sigErr("ecdsa: signing failed", err)
	}

	headers := s.Headers()
	// r and s only; the recovery byte is not part of the wire format.
	headers.Set(s.SignatureHeader, "0x"+hex.EncodeToString(signature[:64]))
	headers.Set(s.TimestampHeader, strconv.FormatInt(ts, 10))
	return &Signed{Headers: headers}, nil
}

func (s *ECDSASigner) Headers() http.Header {
	h := http.Header{}
	h.Set(s.KeyHeader, crypto.PubkeyToAddress(s.key.PublicKey).Hex())
	return h
}

func (s *ECDSASigner) HasCredentials() bool { return s.key != nil }
