package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), "circulation.checkout", map[string]string{"collection": "main-od"})
		p.Close()
	})
}

func TestEnvelopeShape(t *testing.T) {
	raw, err := json.Marshal(envelope{
		ID:        "evt-1",
		Type:      "circulation.checkout",
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Fields:    map[string]string{"collection": "main-od", "identifier": "overdrive/RES-1"},
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "circulation.checkout", decoded["type"])
	assert.Equal(t, "2024-06-01T12:00:00Z", decoded["timestamp"])
	fields, ok := decoded["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "main-od", fields["collection"])
}

func TestEnvelopeOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(envelope{ID: "evt-1", Type: "circulation.checkin"})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "fields")
}
