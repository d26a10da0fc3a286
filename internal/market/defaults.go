package market

import "encoding/json"

// Static placeholder payloads served when the upstream is down and no cached
// row exists. Shapes mirror what the upstream returns so UI consumers render
// without special-casing outages; the placeholder flag lets them badge the
// data as indicative.
var defaultPayloads = map[Kind]json.RawMessage{
	KindBlockchain: json.RawMessage(`{"tvl":0,"transactions24h":0,"volume24h":0,"placeholder":true}`),
	KindTokens: json.RawMessage(`[` +
		`{"symbol":"SOL","name":"Solana","priceUsd":0,"placeholder":true},` +
		`{"symbol":"USDC","name":"USD Coin","priceUsd":1,"placeholder":true}` +
		`]`),
	KindPools: json.RawMessage(`[]`),
}

// DefaultPayload returns the placeholder payload for a kind.
func DefaultPayload(kind Kind) json.RawMessage {
	if payload, ok := defaultPayloads[kind]; ok {
		return payload
	}
	return json.RawMessage(`{}`)
}
