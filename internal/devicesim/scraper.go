package devicesim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the tracked server metrics at one point in time.
type metricSnapshot struct {
	timestamp      time.Time
	connections    float64
	activePairings float64
	reports        float64
	cacheHits      float64
	cacheMisses    float64
	rateLimited    float64
	latencySum     float64
	latencyCount   float64
}

// Scraper polls the server's Prometheus endpoint during a run so the report
// can show server-side counters next to client-side outcomes.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then every interval until ctx ends or Stop
// is called. A final snapshot is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop halts scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (metricSnapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, fmt.Errorf("devicesim: scrape %s: status %d", s.metricsURL, resp.StatusCode)
	}
	return parseSnapshot(resp.Body)
}

func parseSnapshot(r io.Reader) (metricSnapshot, error) {
	snap := metricSnapshot{timestamp: time.Now()}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "proxipair_connections_total":
			snap.connections = value
		case "proxipair_active_pairings":
			snap.activePairings = value
		case "proxipair_reports_total":
			snap.reports += value
		case "proxipair_cache_lookups_total":
			if strings.Contains(labels, `result="hit"`) {
				snap.cacheHits = value
			} else if strings.Contains(labels, `result="miss"`) {
				snap.cacheMisses = value
			}
		case "proxipair_rate_limited_total":
			snap.rateLimited = value
		case "proxipair_report_latency_seconds_sum":
			snap.latencySum = value
		case "proxipair_report_latency_seconds_count":
			snap.latencyCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition line into name, raw label set and
// value.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", "", 0, false
		}
		name = line[:open]
		labels = line[open+1 : open+closing]
		rest = name + line[open+closing+1:]
	}

	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return "", "", 0, false
	}
	if name == "" {
		name = fields[0]
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report writes initial, final, delta and peak values for each tracked
// metric.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(metricSnapshot) float64
	}{
		{"Connections", func(m metricSnapshot) float64 { return m.connections }},
		{"Active Pairings", func(m metricSnapshot) float64 { return m.activePairings }},
		{"Reports", func(m metricSnapshot) float64 { return m.reports }},
		{"Cache Hits", func(m metricSnapshot) float64 { return m.cacheHits }},
		{"Cache Misses", func(m metricSnapshot) float64 { return m.cacheMisses }},
		{"Rate Limited", func(m metricSnapshot) float64 { return m.rateLimited }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, row := range rows {
		initial, final := row.extract(first), row.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			row.label, initial, final, final-initial, peakValue(snaps, row.extract))
	}

	fmt.Fprintln(w)
	if hits, misses := last.cacheHits-first.cacheHits, last.cacheMisses-first.cacheMisses; hits+misses > 0 {
		fmt.Fprintf(w, "  %-16s %.1f%%\n", "Cache Hit Rate", 100*hits/(hits+misses))
	}
	if n := last.latencyCount - first.latencyCount; n > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.6fs  (%.0f observations)\n", "Report Latency", (last.latencySum-first.latencySum)/n, n)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Report Latency")
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
