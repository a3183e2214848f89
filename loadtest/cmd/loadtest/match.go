package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/voice-app/loadtest/client"
	"github.com/whisper/voice-app/loadtest/stats"
)

// runMatch implements the matching flow load test. It creates pairs of
// simulated callers who connect, join the queue and wait for match-found.
// This measures matching throughput and the join-to-match latency under
// concurrent load.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of caller pairs to match")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match-found")
	moods := fs.String("moods", "", "Comma-separated moods sent as preferences")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2
	moodTags := parseMoods(*moods)

	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, moods=%v, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *matchTimeout, moodTags, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: Connect all callers
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all callers ---")
	clients, interrupted := connectAll(ctx, rampConfig{
		url:         *url,
		total:       totalClients,
		rampUp:      *rampUp,
		concurrency: *concurrency,
	}, collector)

	if interrupted {
		fmt.Println("Interrupted, skipping matching phases.")
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: Join the queue from every client
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Join queue ---")

	var joinedCount atomic.Int64
	var matchedCount atomic.Int64
	var matchWg sync.WaitGroup

	matchStart := time.Now()

	for _, c := range clients {
		c := c
		matchWg.Add(1)

		matchDone := make(chan struct{})
		var once sync.Once
		joinedAt := time.Now()

		c.On(client.TypeQueueJoined, func(json.RawMessage) {
			joinedCount.Add(1)
		})
		c.On(client.TypeMatchFound, func(raw json.RawMessage) {
			var msg client.MatchFound
			if err := json.Unmarshal(raw, &msg); err != nil || msg.PartnerID == "" {
				collector.AddError()
				return
			}
			once.Do(func() {
				collector.AddMatchLatency(time.Since(joinedAt))
				matchedCount.Add(1)
				close(matchDone)
			})
		})
		c.On(client.TypeRateLimited, func(json.RawMessage) { collector.AddError() })
		c.On(client.TypeBanned, func(json.RawMessage) { collector.AddError() })

		go func() {
			defer matchWg.Done()
			timer := time.NewTimer(*matchTimeout)
			defer timer.Stop()
			select {
			case <-matchDone:
			case <-timer.C:
				collector.AddError()
			case <-ctx.Done():
			}
		}()

		if err := c.JoinQueue(moodTags); err != nil {
			collector.AddError()
		}
	}

	// -----------------------------------------------------------------------
	// Phase 3: Wait for matches with progress reporting
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Waiting for matches ---")

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastMatched := int64(0)
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := matchedCount.Load()
				rate := float64(current-lastMatched) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [match] pairs: %d/%d  joined: %d  matched: %d  errors: %d  rate: %.1f match/s\n",
					current/2, *pairs, joinedCount.Load(), current, collector.ErrorCount(), rate)
				lastMatched = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	allDone := make(chan struct{})
	go func() {
		matchWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Println("\nInterrupted during matching phase.")
	}

	close(progressStop)
	progressWg.Wait()

	matchElapsed := time.Since(matchStart)
	finalMatched := matchedCount.Load()

	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Successful pairs:  %d / %d\n", finalMatched/2, *pairs)
	fmt.Printf("Clients joined:    %d / %d\n", joinedCount.Load(), len(clients))
	fmt.Printf("Clients matched:   %d / %d\n", finalMatched, len(clients))
	fmt.Printf("Match duration:    %s\n", matchElapsed.Round(time.Millisecond))
	if matchElapsed.Seconds() > 0 {
		fmt.Printf("Match throughput:  %.1f pairs/s\n", float64(finalMatched/2)/matchElapsed.Seconds())
	}

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}
