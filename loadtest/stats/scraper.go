package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at one point in time. Histograms
// keep _sum and _count so averages can be computed over the test window.
type snapshot struct {
	timestamp time.Time
	values    map[string]float64
}

// Gauges and counters reported as initial/final/delta/peak rows, in print
// order. Labelled series are summed.
var trackedSeries = []struct {
	metric string
	label  string
}{
	{"tiktalk_connections_total", "Connections"},
	{"tiktalk_online_users", "Online Users"},
	{"tiktalk_active_stranger_sessions", "Stranger Chats"},
	{"tiktalk_match_queue_size", "Match Queue"},
	{"tiktalk_messages_total", "Messages"},
	{"tiktalk_frames_dropped_total", "Frames Dropped"},
	{"tiktalk_connections_rejected_total", "Rejected"},
	{"tiktalk_moderation_actions_total", "Moderation"},
}

// Histograms reported as averages over the test window.
var trackedHistograms = []struct {
	metric string
	label  string
}{
	{"tiktalk_message_latency_seconds", "Dispatch Latency"},
	{"tiktalk_match_duration_seconds", "Queue Wait"},
}

// Scraper periodically fetches the server's Prometheus endpoint during a load
// test and reports how the tracked metrics moved.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper polling metricsURL every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes an initial snapshot and then scrapes in the background until
// ctx is cancelled or Stop is called.
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

// Stop stops the background scraper and waits for its final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	values, err := parseExposition(bufio.NewScanner(resp.Body))
	if err != nil {
		return
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshot{timestamp: time.Now(), values: values})
	s.mu.Unlock()
}

// parseExposition reads Prometheus text exposition lines and sums every
// sample by metric name, dropping labels.
func parseExposition(scanner *bufio.Scanner) (map[string]float64, error) {
	values := make(map[string]float64)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		values[name] += value
	}
	return values, scanner.Err()
}

// parseMetricLine splits "name{labels} value" or "name value" into the bare
// metric name and its value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		name = raw[:idx]
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak for every tracked series plus
// histogram averages over the test window.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, t := range trackedSeries {
		initial, final := first.values[t.metric], last.values[t.metric]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			t.label, initial, final, final-initial, peak(snaps, t.metric))
	}

	fmt.Println()
	for _, h := range trackedHistograms {
		sum := last.values[h.metric+"_sum"] - first.values[h.metric+"_sum"]
		count := last.values[h.metric+"_count"] - first.values[h.metric+"_count"]
		if count > 0 {
			fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", h.label, sum/count, count)
		} else {
			fmt.Printf("  %-16s avg: N/A  (no observations)\n", h.label)
		}
	}
}

func peak(snaps []snapshot, metric string) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		if v := s.values[metric]; v > p {
			p = v
		}
	}
	return p
}
