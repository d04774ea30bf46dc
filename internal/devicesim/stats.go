package devicesim

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates outcomes across simulated devices. It is safe for
// concurrent use.
type Collector struct {
	mu               sync.Mutex
	startTime        time.Time
	connections      int
	errors           int
	reportsSent      int
	received         map[string]int // server message type -> count
	connectLatencies []time.Duration
	apiTimes         []time.Duration
	firstPair        []time.Duration // per device, connect to first "paired"
	scraper          *Scraper
}

// NewCollector creates a Collector starting now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), received: make(map[string]int)}
}

// SetScraper attaches a server metrics scraper whose summary is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.connectLatencies = append(c.connectLatencies, d)
	c.mu.Unlock()
}

// AddError counts a failed dial or send.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// AddSent counts an outgoing report.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.reportsSent++
	c.mu.Unlock()
}

// AddReceived counts a server message and, when present, its api_time.
func (c *Collector) AddReceived(msgType string, apiTimeMS int64, hasAPITime bool) {
	c.mu.Lock()
	c.received[msgType]++
	if hasAPITime {
		c.apiTimes = append(c.apiTimes, time.Duration(apiTimeMS)*time.Millisecond)
	}
	c.mu.Unlock()
}

// AddFirstPair records how long a device took to get its first pairing.
func (c *Collector) AddFirstPair(d time.Duration) {
	c.mu.Lock()
	c.firstPair = append(c.firstPair, d)
	c.mu.Unlock()
}

// Received returns the count of a server message type.
func (c *Collector) Received(msgType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received[msgType]
}

// Report writes a summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Simulation Results ===")
	fmt.Fprintf(w, "Duration:      %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:   %d\n", c.connections)
	fmt.Fprintf(w, "Errors:        %d\n", c.errors)
	fmt.Fprintf(w, "Reports sent:  %d\n", c.reportsSent)

	types := make([]string, 0, len(c.received))
	for t := range c.received {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-14s %d\n", t+":", c.received[t])
	}

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		printPercentiles(w, c.connectLatencies)
	}
	if len(c.apiTimes) > 0 {
		fmt.Fprintln(w, "\n--- Server api_time ---")
		printPercentiles(w, c.apiTimes)
	}
	if len(c.firstPair) > 0 {
		fmt.Fprintf(w, "\n--- Time To First Pairing (%d/%d devices) ---\n", len(c.firstPair), c.connections)
		printPercentiles(w, c.firstPair)
	}
	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// percentiles returns avg, p50, p95, p99 and max of durations, sorting it in
// place.
func percentiles(durations []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	n := len(durations)
	if n == 0 {
		return
	}
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(n),
		durations[n/2],
		durations[int(math.Ceil(float64(n)*0.95))-1],
		durations[int(math.Ceil(float64(n)*0.99))-1],
		durations[n-1]
}

func printPercentiles(w io.Writer, durations []time.Duration) {
	avg, p50, p95, p99, max := percentiles(durations)
	fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		max.Round(time.Microsecond),
		len(durations))
}
