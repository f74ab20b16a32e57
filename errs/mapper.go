package errs

import "strings"

// Mapping pairs a taxonomy kind with optional envelope options applied on match.
type Mapping struct {
	Kind Kind
	Opts []Option
}

// Mapper converts venue-native error codes and messages into taxonomy kinds.
// Lookup order: exact venue code, then case-insensitive message substring.
// Unmatched input maps to KindUnknown, keeping the mapper a total function.
type Mapper struct {
	venue      string
	byCode     map[string]Mapping
	bySubstr   []substrRule
	fallbackTo Kind
}

type substrRule struct {
	needle  string
	mapping Mapping
}

// NewMapper constructs an empty mapper for the given venue identifier.
func NewMapper(venue string) *Mapper {
	return &Mapper{
		venue:      strings.TrimSpace(venue),
		byCode:     make(map[string]Mapping),
		fallbackTo: KindUnknown,
	}
}

// Code registers a mapping for an exact venue error code.
func (m *Mapper) Code(code string, kind Kind, opts ...Option) *Mapper {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return m
	}
	m.byCode[trimmed] = Mapping{Kind: kind, Opts: opts}
	return m
}

// Contains registers a mapping for a case-insensitive message fragment.
func (m *Mapper) Contains(fragment string, kind Kind, opts ...Option) *Mapper {
	needle := strings.ToLower(strings.TrimSpace(fragment))
	if needle == "" {
		return m
	}
	m.bySubstr = append(m.bySubstr, substrRule{needle: needle, mapping: Mapping{Kind: kind, Opts: opts}})
	return m
}

// Fallback overrides the kind used when no rule matches.
func (m *Mapper) Fallback(kind Kind) *Mapper {
	if kind != "" {
		m.fallbackTo = kind
	}
	return m
}

// Map converts a venue error code and message into a structured envelope.
// The raw code and message are always preserved on the result.
func (m *Mapper) Map(code, message string, opts ...Option) *E {
	base := []Option{WithVenueCode(code), WithMessage(message)}
	base = append(base, opts...)

	if mapping, ok := m.byCode[strings.TrimSpace(code)]; ok {
		return New(m.venue, mapping.Kind, append(base, mapping.Opts...)...)
	}
	lower := strings.ToLower(message)
	for _, rule := range m.bySubstr {
		if strings.Contains(lower, rule.needle) {
			return New(m.venue, rule.mapping.Kind, append(base, rule.mapping.Opts...)...)
		}
	}
	return New(m.venue, m.fallbackTo, base...)
}
