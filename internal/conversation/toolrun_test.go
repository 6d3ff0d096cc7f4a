package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodePayloadValidJSON(t *testing.T) {
	t.Parallel()

	got := decodePayload(json.RawMessage(`{"ticker":"ACME","days":30}`))
	assert.Equal(t, map[string]any{"ticker": "ACME", "days": float64(30)}, got)
}

func TestDecodePayloadDoubleEncodedAlmostJSON(t *testing.T) {
	t.Parallel()

	// A JSON string whose content is model-emitted almost-JSON.
	raw, _ := json.Marshal(`{ticker: 'ACME'}`)
	got := decodePayload(json.RawMessage(raw))
	assert.Equal(t, map[string]any{"ticker": "ACME"}, got)
}

func TestDecodePayloadPlainStringStaysString(t *testing.T) {
	t.Parallel()

	got := decodePayload(json.RawMessage(`"42 rows returned"`))
	assert.Equal(t, "42 rows returned", got)
}

func TestDecodePayloadEmpty(t *testing.T) {
	t.Parallel()

	assert.Nil(t, decodePayload(nil))
	assert.Nil(t, decodePayload(json.RawMessage{}))
}
