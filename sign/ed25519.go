package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseEd25519Key decodes private-key material supplied as hex (with or
// without 0x) or base64, accepting either a 32-byte seed or a 64-byte
// expanded key.
func ParseEd25519Key(material string) (ed25519.PrivateKey, error) {
	trimmed := strings.TrimSpace(material)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	if trimmed == "" {
		return nil, sigErr("ed25519: empty key material", nil)
	}

	var raw []byte
	if decoded, err := hex.DecodeString(trimmed); err == nil {
		raw = decoded
	} else if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		raw = decoded
	} else {
		return nil, sigErr("ed25519: key is neither hex nor base64", nil)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, sigErr("ed25519: key must be 32 or 64 bytes, got "+strconv.Itoa(len(raw)), nil)
	}
}

// InstructionSigner implements the alphabetized-params Ed25519 scheme: the
// request params plus instruction, timestamp and window, keys sorted
// ascending, signed and emitted base64 alongside identifying headers.
type InstructionSigner struct {
	key    ed25519.PrivateKey
	window time.Duration

	KeyHeader       string
	SignatureHeader string
	TimestampHeader string
	WindowHeader    string
}

// NewInstructionSigner parses the key material and applies header defaults.
func NewInstructionSigner(material string, window time.Duration) (*InstructionSigner, error) {
	key, err := ParseEd25519Key(material)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultRecvWindow
	}
	return &InstructionSigner{
		key:             key,
		window:          window,
		KeyHeader:       "X-API-Key",
		SignatureHeader: "X-Signature",
		TimestampHeader: "X-Timestamp",
		WindowHeader:    "X-Window",
	}, nil
}

func (s *InstructionSigner) Sign(req *Request) (*Signed, error) {
	if !s.HasCredentials() {
		return nil, sigErr("ed25519: missing credentials", nil)
	}
	ts := timestampMs(req)
	window := strconv.FormatInt(s.window.Milliseconds(), 10)

	params := make(map[string]string, len(req.Params)+3)
	for k, v := range req.Params {
		params[k] = v
	}
	if req.Instruction != "" {
		params["instruction"] = req.Instruction
	}
	params["timestamp"] = strconv.FormatInt(ts, 10)
	params["window"] = window

	signature := ed25519.Sign(s.key, []byte(canonicalQuery(params)))

	headers := s.Headers()
	headers.Set(s.SignatureHeader, base64.StdEncoding.EncodeToString(signature))
	headers.Set(s.TimestampHeader, strconv.FormatInt(ts, 10))
	headers.Set(s.WindowHeader, window)
	return &Signed{Headers: headers}, nil
}

func (s *InstructionSigner) Headers() http.Header {
	h := http.Header{}
	if len(s.key) == ed25519.PrivateKeySize {
		pub := s.key.Public().(ed25519.PublicKey)
		h.Set(s.KeyHeader, base64.StdEncoding.EncodeToString(pub))
	}
	return h
}

func (s *InstructionSigner) HasCredentials() bool {
	return len(s.key) == ed25519.PrivateKeySize
}

// PathSigner implements the method-path-timestamp-window-body Ed25519
// scheme. The body participates as compact JSON or the empty string.
type PathSigner struct {
	key    ed25519.PrivateKey
	window time.Duration

	KeyHeader       string
	SignatureHeader string
	TimestampHeader string
	WindowHeader    string
}

// NewPathSigner parses the key material and applies header defaults.
func NewPathSigner(material string, window time.Duration) (*PathSigner, error) {
	key, err := ParseEd25519Key(material)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultRecvWindow
	}
	return &PathSigner{
		key:             key,
		window:          window,
		KeyHeader:       "X-API-Key",
		SignatureHeader: "X-Signature",
		TimestampHeader: "X-Timestamp",
		WindowHeader:    "X-Window",
	}, nil
}

func pathCanonical(method, path string, ts int64, windowMs int64, body []byte) string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(method))
	sb.WriteString(path)
	sb.WriteString(strconv.FormatInt(ts, 10))
	sb.WriteString(strconv.FormatInt(windowMs, 10))
	sb.Write(body)
	return sb.String()
}

func (s *PathSigner) Sign(req *Request) (*Signed, error) {
	if !s.HasCredentials() {
		return nil, sigErr("ed25519: missing credentials", nil)
	}
	ts := timestampMs(req)
	windowMs := s.window.Milliseconds()
	message := pathCanonical(req.Method, req.Path, ts, windowMs, req.Body)
	signature := ed25519.Sign(s.key, []byte(message))

	headers := s.Headers()
	headers.Set(s.SignatureHeader, base64.StdEncoding.EncodeToString(signature))
	headers.Set(s.TimestampHeader, strconv.FormatInt(ts, 10))
	headers.Set(s.WindowHeader, strconv.FormatInt(windowMs, 10))
	return &Signed{Headers: headers}, nil
}

func (s *PathSigner) Headers() http.Header {
	h := http.Header{}
	if len(s.key) == ed25519.PrivateKeySize {
		pub := s.key.Public().(ed25519.PublicKey)
		h.Set(s.KeyHeader, base64.StdEncoding.EncodeToString(pub))
	}
	return h
}

func (s *PathSigner) HasCredentials() bool {
	return len(s.key) == ed25519.PrivateKeySize
}
