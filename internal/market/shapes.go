package market

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies the shape of a market payload. Payloads are validated
// against their kind before they are written to the cache store.
type Kind string

const (
	// KindBlockchain is an aggregate stats object for a single chain.
	KindBlockchain Kind = "blockchain"
	// KindTokens is a list of token records.
	KindTokens Kind = "tokens"
	// KindPools is a list of liquidity pool records.
	KindPools Kind = "pools"
)

// endpointKinds maps the supported upstream endpoints to payload shapes.
var endpointKinds = map[string]Kind{
	"blockchain": KindBlockchain,
	"tokens":     KindTokens,
	"pools":      KindPools,
}

// KindForEndpoint resolves the payload shape served by an upstream endpoint.
func KindForEndpoint(endpoint string) (Kind, bool) {
	kind, ok := endpointKinds[strings.ToLower(strings.TrimSpace(endpoint))]
	return kind, ok
}

// ValidatePayload checks that raw JSON matches the structural shape of the
// kind: an object for blockchain stats, an array for token and pool lists.
func ValidatePayload(kind Kind, payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("market: empty payload for kind %q", kind)
	}

	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return fmt.Errorf("market: empty payload for kind %q", kind)
	}

	switch kind {
	case KindBlockchain:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			return fmt.Errorf("market: payload for kind %q is not a JSON object: %w", kind, err)
		}
	case KindTokens, KindPools:
		var list []json.RawMessage
		if err := json.Unmarshal(payload, &list); err != nil {
			return fmt.Errorf("market: payload for kind %q is not a JSON array: %w", kind, err)
		}
	default:
		return fmt.Errorf("market: unknown payload kind %q", kind)
	}

	return nil
}
