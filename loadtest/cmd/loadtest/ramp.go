package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tiktalk/chat-app/loadtest/client"
	"github.com/tiktalk/chat-app/loadtest/stats"
)

// rampConfig controls how connectAll opens its connections.
type rampConfig struct {
	url         string
	count       int
	ramp        time.Duration
	concurrency int
	campus      string
	prefix      string // nickname prefix; the launch index is appended
}

// connectAll opens cfg.count joined clients, spreading the launches over
// cfg.ramp with at most cfg.concurrency attempts in flight. It returns the
// clients that joined and whether ctx was cancelled before every launch.
func connectAll(ctx context.Context, cfg rampConfig, collector *stats.Collector) ([]*client.Client, bool) {
	interval := cfg.ramp / time.Duration(cfg.count)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var mu sync.Mutex
	clients := make([]*client.Client, 0, cfg.count)

	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] joined: %d/%d  errors: %d  rate: %.1f conn/s\n",
					current, cfg.count, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	interrupted := false

launch:
	for i := 0; i < cfg.count; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.Connect(connCtx, cfg.url, fmt.Sprintf("%s%d", cfg.prefix, i), cfg.campus)
			if err != nil {
				collector.AddError()
				return
			}
			m := c.GetMetrics()
			collector.AddConnect(m.ConnectLatency)
			collector.AddLatency(stats.SeriesJoin, m.JoinLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}

	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	return clients, interrupted
}

// closeAll closes every client.
func closeAll(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
