// Package sign implements the authentication schemes used by venue drivers.
// Every scheme is a canonical-message constructor paired with a signature
// primitive; failures surface as InvalidSignature errors and secret material
// never appears in errors or logs.
package sign

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/perpgate/perpgate/errs"
)

// DefaultRecvWindow is the clock-drift tolerance applied when none is configured.
const DefaultRecvWindow = 5 * time.Second

// Request is the transport-neutral description of a call to be signed.
// Timestamp is epoch milliseconds; zero means "now".
type Request struct {
	Method      string
	Path        string
	Body        []byte
	Params      map[string]string
	Instruction string
	Timestamp   int64
}

// Signed carries the authentication artifacts to merge into the outgoing
// request. Params and Body replace the originals when non-nil.
type Signed struct {
	Headers http.Header
	Params  url.Values
	Body    []byte
}

// Signer is the uniform contract all schemes implement.
type Signer interface {
	Sign(req *Request) (*Signed, error)
	Headers() http.Header
	HasCredentials() bool
}

// Refresher is implemented by token-based schemes whose credentials expire.
type Refresher interface {
	Refresh() error
}

func sigErr(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("", errs.KindInvalidSignature, opts...)
}

// canonicalQuery renders params as k=v pairs joined by '&' with keys sorted
// ascending. Values are not URL-encoded; schemes that need encoding apply it
// before calling.
func canonicalQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

// encodedQuery is canonicalQuery with URL encoding, matching what a venue
// sees on the wire when params travel in the query string.
func encodedQuery(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

func timestampMs(req *Request) int64 {
	if req.Timestamp > 0 {
		return req.Timestamp
	}
	return time.Now().UnixMilli()
}
