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

// callCounters tracks how far the callers got through the lifecycle.
type callCounters struct {
	matched     atomic.Int64
	negotiated  atomic.Int64
	established atomic.Int64
	ended       atomic.Int64
}

// callFlow drives one caller through a call. The initiator sends the offer;
// the other side answers and both trade candidates. The initiator hangs up
// after the hold period and the partner sees peer-disconnected.
type callFlow struct {
	c         *client.Client
	collector *stats.Collector
	counters  *callCounters
	hold      time.Duration
	quality   string
	ice       int

	mu        sync.Mutex
	partner   string
	initiator bool
	joinedAt  time.Time
	offeredAt time.Time
	open      atomic.Bool
	done      chan struct{}
	once      sync.Once
}

func newCallFlow(c *client.Client, collector *stats.Collector, counters *callCounters, hold time.Duration, quality string, ice int) *callFlow {
	f := &callFlow{
		c:         c,
		collector: collector,
		counters:  counters,
		hold:      hold,
		quality:   quality,
		ice:       ice,
		joinedAt:  time.Now(),
		done:      make(chan struct{}),
	}
	c.On(client.TypeMatchFound, f.onMatch)
	c.On(client.TypeOffer, f.onOffer)
	c.On(client.TypeAnswer, f.onAnswer)
	c.On(client.TypeICECandidate, f.onCandidate)
	c.On(client.TypePeerDisconnected, f.onPeerGone)
	c.On(client.TypeError, func(json.RawMessage) { collector.AddError() })
	c.On(client.TypeRateLimited, func(json.RawMessage) { collector.AddError() })
	c.On(client.TypeBanned, func(json.RawMessage) { collector.AddError() })
	return f
}

func (f *callFlow) finish() {
	f.once.Do(func() { close(f.done) })
}

func (f *callFlow) partnerID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partner
}

func (f *callFlow) onMatch(raw json.RawMessage) {
	var msg client.MatchFound
	if err := json.Unmarshal(raw, &msg); err != nil || msg.PartnerID == "" {
		f.collector.AddError()
		return
	}
	f.counters.matched.Add(1)
	f.collector.AddMatchLatency(time.Since(f.joinedAt))

	f.mu.Lock()
	f.partner = msg.PartnerID
	f.initiator = msg.Initiator
	if msg.Initiator {
		f.offeredAt = time.Now()
	}
	f.mu.Unlock()

	if msg.Initiator {
		offer := map[string]string{"type": "offer", "sdp": fakeSDP(f.c.UserID())}
		if err := f.c.Relay(client.TypeOffer, msg.PartnerID, offer); err != nil {
			f.collector.AddError()
		}
	}
}

func (f *callFlow) onOffer(json.RawMessage) {
	partner := f.partnerID()
	answer := map[string]string{"type": "answer", "sdp": fakeSDP(f.c.UserID())}
	if err := f.c.Relay(client.TypeAnswer, partner, answer); err != nil {
		f.collector.AddError()
		return
	}
	f.sendCandidates(partner)
}

func (f *callFlow) onAnswer(json.RawMessage) {
	f.mu.Lock()
	offeredAt := f.offeredAt
	partner := f.partner
	f.mu.Unlock()

	f.collector.AddNegotiationLatency(time.Since(offeredAt))
	f.counters.negotiated.Add(1)
	f.sendCandidates(partner)
}

func (f *callFlow) onCandidate(json.RawMessage) {
	// The first candidate from the partner marks the media path as open.
	if !f.open.CompareAndSwap(false, true) {
		return
	}
	f.counters.established.Add(1)

	f.mu.Lock()
	initiator := f.initiator
	partner := f.partner
	f.mu.Unlock()
	if initiator {
		go f.hangUpAfterHold(partner)
	}
}

func (f *callFlow) sendCandidates(partner string) {
	for i := 0; i < f.ice; i++ {
		candidate := map[string]interface{}{
			"candidate":     fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.%d 5%04d typ host", i, i+1, i),
			"sdpMid":        "0",
			"sdpMLineIndex": 0,
		}
		if err := f.c.Relay(client.TypeICECandidate, partner, candidate); err != nil {
			f.collector.AddError()
			return
		}
	}
}

func (f *callFlow) hangUpAfterHold(partner string) {
	select {
	case <-time.After(f.hold):
	case <-f.done:
		return
	}
	if err := f.c.EndCall(partner, f.quality); err != nil {
		f.collector.AddError()
	}
	f.counters.ended.Add(1)
	f.finish()
}

func (f *callFlow) onPeerGone(json.RawMessage) {
	f.counters.ended.Add(1)
	f.finish()
}

func fakeSDP(id string) string {
	return fmt.Sprintf("v=0\r\no=- %s 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n", id)
}

// runCall implements the full call lifecycle load test. Each simulated pair
// goes through connect -> join-queue -> match-found -> offer/answer ->
// ice-candidate exchange -> hold -> end-call. This measures end-to-end
// signaling latency and the server's relay throughput.
func runCall(args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of caller pairs for the full call lifecycle")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	hold := fs.Duration("hold", 30*time.Second, "How long each call stays up before end-call")
	ice := fs.Int("ice", 3, "ICE candidates each side sends")
	quality := fs.String("quality", "strong", "Quality reported with end-call (strong, medium, weak)")
	moods := fs.String("moods", "", "Comma-separated moods sent as preferences")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	callTimeout := fs.Duration("call-timeout", 0, "Timeout for a whole call (default hold + 60s)")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2
	moodTags := parseMoods(*moods)
	if *callTimeout == 0 {
		*callTimeout = *hold + 60*time.Second
	}

	fmt.Printf("Call test: %d pairs (%d clients) to %s (ramp=%s, hold=%s, ice=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *hold, *ice, *concurrency)

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
		fmt.Println("Interrupted, skipping call phases.")
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: Join, match, negotiate and hold
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Calls ---")

	counters := &callCounters{}
	var wg sync.WaitGroup
	start := time.Now()

	for _, c := range clients {
		flow := newCallFlow(c, collector, counters, *hold, *quality, *ice)
		wg.Add(1)
		go func() {
			defer wg.Done()
			timer := time.NewTimer(*callTimeout)
			defer timer.Stop()
			select {
			case <-flow.done:
			case <-timer.C:
				collector.AddError()
			case <-ctx.Done():
			}
		}()
		if err := c.JoinQueue(moodTags); err != nil {
			collector.AddError()
		}
	}

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [call] matched: %d  negotiated: %d  established: %d  ended: %d  errors: %d\n",
					counters.matched.Load(), counters.negotiated.Load(),
					counters.established.Load(), counters.ended.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Println("\nInterrupted during call phase.")
	}

	close(progressStop)
	progressWg.Wait()

	elapsed := time.Since(start)

	fmt.Printf("\n--- Call Results ---\n")
	fmt.Printf("Clients matched:     %d / %d\n", counters.matched.Load(), len(clients))
	fmt.Printf("Calls negotiated:    %d / %d\n", counters.negotiated.Load(), *pairs)
	fmt.Printf("Clients established: %d / %d\n", counters.established.Load(), len(clients))
	fmt.Printf("Clients ended:       %d / %d\n", counters.ended.Load(), len(clients))
	fmt.Printf("Phase duration:      %s\n", elapsed.Round(time.Millisecond))

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}
