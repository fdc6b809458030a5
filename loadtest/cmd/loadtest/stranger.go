package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tiktalk/chat-app/loadtest/client"
	"github.com/tiktalk/chat-app/loadtest/stats"
)

// runStranger drives the full stranger lifecycle for many clients at once:
// find a partner, exchange messages, then both click heart and move to DMs.
// It measures queue pairing, relay and reveal latency under load.
func runStranger(args []string) {
	fs := flag.NewFlagSet("stranger", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3000/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of stranger pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	messages := fs.Int("messages", 10, "Messages each participant sends before clicking heart")
	msgInterval := fs.Duration("msg-interval", 100*time.Millisecond, "Delay between messages")
	timeout := fs.Duration("timeout", 60*time.Second, "Per-client timeout for the whole flow")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:3000/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Stranger test: %d pairs (%d clients) to %s (ramp=%s, messages=%d, timeout=%s)\n",
		*pairs, total, *url, *rampUp, *messages, *timeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect and join ---")
	clients, interrupted := connectAll(ctx, rampConfig{
		url:         *url,
		count:       total,
		ramp:        *rampUp,
		concurrency: *concurrency,
		campus:      "Load",
		prefix:      "stranger-",
	}, collector)
	fmt.Printf("\nPhase 1 complete: %d/%d joined (%d errors)\n", len(clients), total, collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted, skipping stranger phase.")
		closeAll(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	fmt.Println("\n--- Phase 2: Find, chat, reveal ---")
	var matched, revealed atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [stranger] matched: %d/%d  revealed: %d  errors: %d\n",
					matched.Load(), len(clients), revealed.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			flowCtx, cancel := context.WithTimeout(ctx, *timeout)
			defer cancel()

			err := strangerFlow(flowCtx, c, *messages, *msgInterval, collector, &matched)
			switch {
			case err == nil:
				revealed.Add(1)
			case errors.Is(err, context.Canceled):
			default:
				collector.AddError()
			}
		}(c)
	}

	wg.Wait()
	close(progressStop)
	elapsed := time.Since(start)

	fmt.Printf("\n--- Stranger Results ---\n")
	fmt.Printf("Clients matched:   %d / %d\n", matched.Load(), len(clients))
	fmt.Printf("Clients revealed:  %d / %d\n", revealed.Load(), len(clients))
	fmt.Printf("Phase duration:    %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Reveal throughput: %.1f pairs/s\n", float64(revealed.Load()/2)/elapsed.Seconds())
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report()
}

// strangerFlow runs one participant through find, chat and heart. Message
// bodies carry the send time in nanoseconds so the receiver can measure relay
// latency.
func strangerFlow(ctx context.Context, c *client.Client, messages int, interval time.Duration,
	collector *stats.Collector, matched *atomic.Int64) error {

	received := make(chan struct{}, messages)
	c.On(client.TypeStrangerMsg, func(raw json.RawMessage) {
		var msg struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if sent, err := strconv.ParseInt(msg.Message, 10, 64); err == nil {
			collector.AddLatency(stats.SeriesRelay, time.Since(time.Unix(0, sent)))
		}
		select {
		case received <- struct{}{}:
		default:
		}
	})

	pairing := c.Expect(client.TypeStrangerMatched)
	findStart := time.Now()
	if err := c.Send(client.TypeStrangerFind, nil); err != nil {
		return err
	}
	if _, err := c.Await(ctx, pairing); err != nil {
		return fmt.Errorf("wait for match: %w", err)
	}
	collector.AddLatency(stats.SeriesMatch, time.Since(findStart))
	matched.Add(1)

	for i := 0; i < messages; i++ {
		err := c.Send(client.TypeStrangerMsg, map[string]interface{}{
			"message": strconv.FormatInt(time.Now().UnixNano(), 10),
			"msgId":   fmt.Sprintf("lt_%s_%d", c.ID(), i),
		})
		if err != nil {
			return err
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for i := 0; i < messages; i++ {
		select {
		case <-received:
		case <-c.Done():
			return client.ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("wait for partner messages: %w", ctx.Err())
		}
	}

	reveal := c.Expect(client.TypeStrangerMoveToDM)
	heartStart := time.Now()
	if err := c.Send(client.TypeStrangerHeart, nil); err != nil {
		return err
	}
	if _, err := c.Await(ctx, reveal); err != nil {
		return fmt.Errorf("wait for reveal: %w", err)
	}
	collector.AddLatency(stats.SeriesReveal, time.Since(heartStart))
	return nil
}
