package market

import (
	"sort"
	"strings"
)

// FetchSpec describes one upstream request: which endpoint to call for which
// chain, with optional query parameters. It also determines the cache key.
type FetchSpec struct {
	Endpoint string
	Chain    string
	Params   map[string]string
}

// Kind resolves the payload shape for the spec's endpoint.
func (s FetchSpec) Kind() (Kind, bool) {
	return KindForEndpoint(s.Endpoint)
}

// CacheKey derives the deterministic cache key for the spec:
// chain:endpoint, followed by sorted key=value parameters when present,
// e.g. "solana:blockchain" or "solana:tokens:limit=50,page=2".
func (s FetchSpec) CacheKey() string {
	var b strings.Builder
	b.WriteString(normalise(s.Chain))
	b.WriteByte(':')
	b.WriteString(normalise(s.Endpoint))

	if len(s.Params) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(s.Params))
	for key := range s.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	b.WriteByte(':')
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(normalise(key))
		b.WriteByte('=')
		b.WriteString(strings.TrimSpace(s.Params[key]))
	}
	return b.String()
}

func normalise(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
