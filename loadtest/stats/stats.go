// Package stats aggregates what the simulated callers observe and prints a
// summary with percentile distributions, optionally followed by the server's
// own Prometheus view of the run.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Series names for latency samples.
const (
	SeriesConnect     = "Connect"
	SeriesMatch       = "Join to match-found"
	SeriesNegotiation = "Offer to answer"
)

var seriesOrder = []string{SeriesConnect, SeriesMatch, SeriesNegotiation}

// Collector aggregates samples from many client goroutines.
type Collector struct {
	mu          sync.Mutex
	latencies   map[string][]time.Duration
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		latencies: make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// SetScraper attaches a metrics scraper whose report follows the client one.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a handshaken connection and its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.latencies[SeriesConnect] = append(c.latencies[SeriesConnect], d)
	c.mu.Unlock()
}

// AddMatchLatency records the time from join-queue to match-found.
func (c *Collector) AddMatchLatency(d time.Duration) {
	c.add(SeriesMatch, d)
}

// AddNegotiationLatency records the time from sending an offer to receiving
// the relayed answer.
func (c *Collector) AddNegotiationLatency(d time.Duration) {
	c.add(SeriesNegotiation, d)
}

func (c *Collector) add(series string, d time.Duration) {
	c.mu.Lock()
	c.latencies[series] = append(c.latencies[series], d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, name := range seriesOrder {
		samples := c.latencies[name]
		if len(samples) == 0 {
			continue
		}
		fmt.Printf("\n--- %s Latency ---\n", name)
		fmt.Println("  " + summarize(samples).String())
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Summary is a percentile breakdown of one latency series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (s Summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max), s.N)
}

// summarize sorts samples in place and computes the percentiles. samples
// must not be empty.
func summarize(samples []time.Duration) Summary {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	n := len(samples)
	rank := func(p float64) time.Duration {
		return samples[int(math.Ceil(float64(n)*p))-1]
	}

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: samples[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: samples[n-1],
	}
}
