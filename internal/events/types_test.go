package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressEventMarshalFlattensEnvelope(t *testing.T) {
	batch := 2
	progress := 48
	evt := ProgressEvent{
		SessionID:       "library-7",
		Type:            EventBatchComplete,
		Timestamp:       time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		BatchIndex:      &batch,
		OverallProgress: &progress,
		Payload: BatchCompletePayload{
			Successful:  4,
			Failed:      1,
			TotalTracks: 23,
		},
	}

	raw, err := json.Marshal(evt)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "library-7", decoded["sessionId"])
	assert.Equal(t, "batch.complete", decoded["type"])
	assert.Equal(t, float64(2), decoded["batchIndex"])
	assert.Equal(t, float64(48), decoded["overallProgress"])

	data, ok := decoded["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(4), data["successful"])
	assert.Equal(t, float64(1), data["failed"])
	assert.Equal(t, float64(23), data["totalTracks"])
}

func TestProgressEventMarshalOmitsEmptyFields(t *testing.T) {
	evt := ProgressEvent{
		SessionID: "library-1",
		Type:      EventScanComplete,
		Timestamp: time.Now().UTC(),
		Payload:   ScanCompletePayload{Status: "completed", TotalTracks: 10},
	}

	raw, err := json.Marshal(evt)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.NotContains(t, decoded, "batchIndex")
	assert.NotContains(t, decoded, "overallProgress")
}
