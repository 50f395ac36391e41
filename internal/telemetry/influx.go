package telemetry

import (
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/terminal-bench/courierdispatch/internal/perf"
)

// InfluxRecorder ships performance samples to InfluxDB through the
// non-blocking write API. Write errors surface on the API's error channel
// and never reach the measured operation.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

func NewInfluxRecorder(url, token, org, bucket string) *InfluxRecorder {
	client := influxdb2.NewClient(url, token)
	return &InfluxRecorder{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
	}
}

// Export implements the sample exporter hook of the performance meter.
func (r *InfluxRecorder) Export(op string, s perf.Sample) {
	point := influxdb2.NewPoint("operation_sample",
		map[string]string{"op": op},
		map[string]interface{}{
			"duration_ms": s.Duration.Milliseconds(),
			"mem_delta":   s.MemDelta,
			"success":     s.Success,
		},
		s.At,
	)
	r.writeAPI.WritePoint(point)
}

// Close flushes pending writes and shuts the client down.
func (r *InfluxRecorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}
