package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HMACConfig controls where the HMAC signature and API key are placed.
type HMACConfig struct {
	// KeyHeader carries the API key, e.g. "X-MBX-APIKEY".
	KeyHeader string
	// SignatureParam names the query parameter holding the signature. Empty
	// means the signature travels in SignatureHeader instead.
	SignatureParam string
	SignatureHeader string
	TimestampParam  string
	RecvWindowParam string
	RecvWindow      time.Duration
}

// HMACSigner implements the query-string HMAC-SHA256 scheme: params sorted
// by key with timestamp and recvWindow appended, signed with the API secret.
type HMACSigner struct {
	apiKey string
	secret []byte
	cfg    HMACConfig
}

// NewHMAC constructs the signer. Credentials are trimmed but otherwise opaque.
func NewHMAC(apiKey, apiSecret string, cfg HMACConfig) *HMACSigner {
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = "X-MBX-APIKEY"
	}
	if cfg.SignatureParam == "" && cfg.SignatureHeader == "" {
		cfg.SignatureParam = "signature"
	}
	if cfg.TimestampParam == "" {
		cfg.TimestampParam = "timestamp"
	}
	if cfg.RecvWindowParam == "" {
		cfg.RecvWindowParam = "recvWindow"
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = DefaultRecvWindow
	}
	return &HMACSigner{
		apiKey: strings.TrimSpace(apiKey),
		secret: []byte(strings.TrimSpace(apiSecret)),
		cfg:    cfg,
	}
}

func (s *HMACSigner) Sign(req *Request) (*Signed, error) {
	if !s.HasCredentials() {
		return nil, sigErr("hmac: missing credentials", nil)
	}
	params := make(map[string]string, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = v
	}
	params[s.cfg.TimestampParam] = strconv.FormatInt(timestampMs(req), 10)
	params[s.cfg.RecvWindowParam] = strconv.FormatInt(s.cfg.RecvWindow.Milliseconds(), 10)

	canonical := encodedQuery(params)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical))
	signature := hex.EncodeToString(mac.Sum(nil))

	out := url.Values{}
	for k, v := range params {
		out.Set(k, v)
	}
	headers := s.Headers()
	if s.cfg.SignatureParam != "" {
		out.Set(s.cfg.SignatureParam, signature)
	} else {
		headers.Set(s.cfg.SignatureHeader, signature)
	}
	return &Signed{Headers: headers, Params: out}, nil
}

func (s *HMACSigner) Headers() http.Header {
	h := http.Header{}
	if s.apiKey != "" {
		h.Set(s.cfg.KeyHeader, s.apiKey)
	}
	return h
}

func (s *HMACSigner) HasCredentials() bool {
	return s.apiKey != "" && len(s.secret) > 0
}
