// Package stats aggregates measurements from many load test clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Latency series recorded by the load test scenarios.
const (
	SeriesConnect = "connect"
	SeriesJoin    = "join"
	SeriesMatch   = "stranger match"
	SeriesRelay   = "stranger relay"
	SeriesReveal  = "heart reveal"
	SeriesChat    = "room broadcast"
)

// Collector is safe for concurrent use by many client goroutines.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	order       []string
	counters    map[string]int
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		counters:  make(map[string]int),
		startTime: time.Now(),
	}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection with its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.addLocked(SeriesConnect, d)
	c.mu.Unlock()
}

// AddLatency records one observation in the named series.
func (c *Collector) AddLatency(series string, d time.Duration) {
	c.mu.Lock()
	c.addLocked(series, d)
	c.mu.Unlock()
}

func (c *Collector) addLocked(series string, d time.Duration) {
	if _, ok := c.series[series]; !ok {
		c.order = append(c.order, series)
	}
	c.series[series] = append(c.series[series], d)
}

// Inc bumps a named event counter.
func (c *Collector) Inc(name string) {
	c.mu.Lock()
	c.counters[name]++
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

// Count returns the value of a named counter.
func (c *Collector) Count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Report prints the collected metrics to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		errorRate := float64(c.errors) / float64(c.connections) * 100
		fmt.Printf("Error rate:   %.2f%%\n", errorRate)
	}

	if len(c.counters) > 0 {
		names := make([]string, 0, len(c.counters))
		for name := range c.counters {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("\n--- Events ---")
		for _, name := range names {
			fmt.Printf("  %-20s %d\n", name, c.counters[name])
		}
	}

	for _, name := range c.order {
		fmt.Printf("\n--- %s latency ---\n", name)
		fmt.Println("  " + Summarize(c.series[name]).String())
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Summary is a percentile digest of a latency series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts durations in place and computes its digest. An empty
// series yields a zero Summary.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[rank(n, 0.95)],
		P99: durations[rank(n, 0.99)],
		Max: durations[n-1],
	}
}

// rank returns the nearest-rank index of percentile p in a sorted series of
// length n.
func rank(n int, p float64) int {
	i := int(math.Ceil(float64(n)*p)) - 1
	if i < 0 {
		return 0
	}
	return i
}

func (s Summary) String() string {
	if s.N == 0 {
		return "no samples"
	}
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}
