package devicesim

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentiles(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	avg, p50, p95, p99, max := percentiles(ds)
	assert.Equal(t, 50500*time.Microsecond, avg)
	assert.Equal(t, 51*time.Millisecond, p50)
	assert.Equal(t, 95*time.Millisecond, p95)
	assert.Equal(t, 99*time.Millisecond, p99)
	assert.Equal(t, 100*time.Millisecond, max)
}

func TestPercentilesEmpty(t *testing.T) {
	avg, _, _, _, max := percentiles(nil)
	assert.Zero(t, avg)
	assert.Zero(t, max)
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddSent()
	c.AddSent()
	c.AddReceived("searching", 1, true)
	c.AddReceived("paired", 3, true)
	c.AddReceived("rate_limited", 0, false)
	c.AddFirstPair(time.Second)
	c.AddError()

	assert.Equal(t, 1, c.Received("paired"))
	assert.Equal(t, 0, c.Received("error"))

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:   1")
	assert.Contains(t, out, "Errors:        1")
	assert.Contains(t, out, "Reports sent:  2")
	assert.Contains(t, out, "paired:")
	assert.Contains(t, out, "Server api_time")
	assert.Contains(t, out, "Time To First Pairing (1/1 devices)")
}
