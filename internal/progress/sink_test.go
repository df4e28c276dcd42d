package progress

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nlsantos/devc/internal/redact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogJSONIsRedacted(t *testing.T) {
	registry := redact.NewRegistry()
	registry.Register("super-secret-token")

	var out bytes.Buffer
	sink := NewSink(FormatJSON, &out, &bytes.Buffer{}, nil, registry)

	sink.Log(Event{Type: "config.resolve", Fields: map[string]any{"token": "super-secret-token"}})

	var decoded Event
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "config.resolve", decoded.Type)
	assert.NotContains(t, out.String(), "super-secret-token")
}

func TestProgressAppendsToProgressFile(t *testing.T) {
	registry := redact.NewRegistry()
	var out, progressFile bytes.Buffer
	sink := NewSink(FormatText, &out, &bytes.Buffer{}, &progressFile, registry)

	sink.Progress(Event{Type: "feature.install", Fields: map[string]any{"feature": "go"}})
	sink.Progress(Event{Type: "feature.install", Fields: map[string]any{"feature": "node"}})

	lines := strings.Split(strings.TrimSpace(progressFile.String()), "\n")
	assert.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "feature.install", first.Type)
}

func TestPayloadRedacted(t *testing.T) {
	registry := redact.NewRegistry()
	registry.Register("super-secret-token")

	var stdout bytes.Buffer
	sink := NewSink(FormatJSON, &bytes.Buffer{}, &stdout, nil, registry)

	sink.Payload([]byte(`{"containerEnv":{"TOKEN":"super-secret-token"}}`))
	assert.NotContains(t, stdout.String(), "super-secret-token")
}
