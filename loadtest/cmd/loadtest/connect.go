package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper/voice-app/loadtest/client"
	"github.com/whisper/voice-app/loadtest/stats"
)

var userSeq atomic.Int64

// newUserID returns an identity unique to this process run.
func newUserID() string {
	return fmt.Sprintf("lt-%d-%d", os.Getpid(), userSeq.Add(1))
}

// rampConfig controls how connectAll opens connections.
type rampConfig struct {
	url         string
	total       int
	rampUp      time.Duration
	concurrency int
}

// connectAll opens cfg.total handshaken connections, spreading the launches
// over the ramp-up period and bounding in-flight dials. It returns the
// clients that connected and whether the context was cancelled first.
func connectAll(ctx context.Context, cfg rampConfig, collector *stats.Collector) ([]*client.Client, bool) {
	var mu sync.Mutex
	clients := make([]*client.Client, 0, cfg.total)
	interrupted := false

	interval := cfg.rampUp / time.Duration(cfg.total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, cfg.total, collector.ErrorCount(), rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < cfg.total {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = cfg.total
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, cfg.url, newUserID())
				if err != nil {
					collector.AddError()
					return
				}
				if err := c.Handshake(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				collector.AddConnect(c.GetMetrics().ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nConnect phase complete: %d/%d connections in %s (%d errors)\n",
		len(clients), cfg.total,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	return clients, interrupted
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}

// parseMoods splits a comma-separated list, dropping blanks.
func parseMoods(s string) []string {
	moods := []string{}
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			moods = append(moods, m)
		}
	}
	return moods
}
