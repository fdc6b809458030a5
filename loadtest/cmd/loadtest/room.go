package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tiktalk/chat-app/loadtest/client"
	"github.com/tiktalk/chat-app/loadtest/stats"
)

// runRoom joins N clients to the public room, has a subset of them post at a
// fixed rate, and measures how long each message takes to come back through
// the broadcast fan-out.
func runRoom(args []string) {
	fs := flag.NewFlagSet("room", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3000/ws", "WebSocket server URL")
	listeners := fs.Int("clients", 200, "Number of joined clients")
	talkers := fs.Int("talkers", 20, "How many of the clients post messages")
	rate := fs.Duration("interval", time.Second, "Delay between posts per talker")
	duration := fs.Duration("duration", 30*time.Second, "How long talkers keep posting")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:3000/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	if *talkers > *listeners {
		*talkers = *listeners
	}
	fmt.Printf("Room test: %d clients, %d talkers to %s (interval=%s, duration=%s)\n",
		*listeners, *talkers, *url, *rate, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect and join ---")
	clients, interrupted := connectAll(ctx, rampConfig{
		url:         *url,
		count:       *listeners,
		ramp:        *rampUp,
		concurrency: *concurrency,
		campus:      "Load",
		prefix:      "room-",
	}, collector)
	fmt.Printf("\nPhase 1 complete: %d/%d joined (%d errors)\n", len(clients), *listeners, collector.ErrorCount())

	if interrupted || len(clients) == 0 {
		closeAll(clients)
		scraper.Stop()
		collector.Report()
		return
	}
	if *talkers > len(clients) {
		*talkers = len(clients)
	}

	// Each talker measures only its own messages so the fan-out is counted
	// once per post rather than once per listener.
	for _, c := range clients[:*talkers] {
		own := c.Nickname()
		c.On(client.TypeChat, func(raw json.RawMessage) {
			var msg struct {
				Nickname string `json:"nickname"`
				Message  string `json:"message"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Nickname != own {
				return
			}
			stamp, ok := strings.CutPrefix(msg.Message, "lt:")
			if !ok {
				return
			}
			if sent, err := strconv.ParseInt(stamp, 10, 64); err == nil {
				collector.AddLatency(stats.SeriesChat, time.Since(time.Unix(0, sent)))
			}
		})
	}

	fmt.Println("\n--- Phase 2: Post ---")
	postCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range clients[:*talkers] {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			ticker := time.NewTicker(*rate)
			defer ticker.Stop()
			for {
				select {
				case <-postCtx.Done():
					return
				case <-c.Done():
					collector.AddError()
					return
				case <-ticker.C:
				}
				err := c.Send(client.TypeChat, map[string]interface{}{
					"message": "lt:" + strconv.FormatInt(time.Now().UnixNano(), 10),
				})
				if err != nil {
					collector.AddError()
					return
				}
				collector.Inc("posts")
			}
		}(c)
	}
	wg.Wait()

	// Let in-flight broadcasts land before closing.
	time.Sleep(time.Second)

	received := 0
	for _, c := range clients {
		received += c.GetMetrics().MessagesReceived
	}
	fmt.Printf("\nFrames received across all clients: %d\n", received)

	closeAll(clients)
	scraper.Stop()
	collector.Report()
}
