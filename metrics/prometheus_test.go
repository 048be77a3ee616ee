package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novatra/novatra/events"
)

func TestPrometheusRecorder_RecordOperation(t *testing.T) {
	recorder := NewPrometheusRecorder()

	tests := []struct {
		name        string
		operation   string
		success     bool
		wantCounter float64
	}{
		{"successful upload", "upload", true, 1},
		{"second successful upload", "upload", true, 2},
		{"failed upload", "upload", false, 1},
		{"successful delete", "delete_repository", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			successLabel := "false"
			if tt.success {
				successLabel = "true"
			}
			recorder.RecordOperation(tt.operation, tt.success, 10*time.Millisecond)
			got := testutil.ToFloat64(recorder.operationTotal.WithLabelValues(tt.operation, successLabel))
			assert.Equal(t, tt.wantCounter, got)
		})
	}
}

func TestPrometheusRecorder_BusAndGateway(t *testing.T) {
	recorder := NewPrometheusRecorder()

	recorder.EventPublished(events.ArtifactUploaded)
	recorder.EventPublished(events.ArtifactUploaded)
	recorder.SubscriberDropped()
	recorder.ConnectionOpened("websocket")
	recorder.ConnectionOpened("websocket")
	recorder.ConnectionClosed("websocket")

	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.eventsPublished.WithLabelValues("artifact.uploaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.subscribersDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.gatewayConnections.WithLabelValues("websocket")))
}

func TestPrometheusRecorder_RecordCollection(t *testing.T) {
	recorder := NewPrometheusRecorder()
	recorder.RecordCollection(3, 1, 7, 4096)
	recorder.RecordCollection(2, 0, 5, 1024)

	assert.Equal(t, 5.0, testutil.ToFloat64(recorder.blobsCollected))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.holdersReconciled))
	assert.Equal(t, 5.0, testutil.ToFloat64(recorder.uniqueBlobs))

	expected := `
# HELP novatra_blob_stored_bytes Bytes held by the blob store after deduplication
# TYPE novatra_blob_stored_bytes gauge
novatra_blob_stored_bytes 1024
`
	require.NoError(t, testutil.GatherAndCompare(recorder.Registry(), strings.NewReader(expected), "novatra_blob_stored_bytes"))
}
