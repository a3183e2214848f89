package events

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/voice-app/internal/call"
	"github.com/whisper/voice-app/internal/lobby"
	"github.com/whisper/voice-app/internal/matching"
)

// loopback delivers published messages straight into a Consumer.
type loopback struct {
	consumer *Consumer
	fail     error
}

func (b *loopback) Publish(subject string, data []byte) error {
	if b.fail != nil {
		return b.fail
	}
	b.consumer.Handle(subject, data)
	return nil
}

func (b *loopback) Request(_ context.Context, subject string, data []byte) ([]byte, error) {
	if b.fail != nil {
		return nil, b.fail
	}
	return b.consumer.Handle(subject, data), nil
}

type memorySink struct {
	mu       sync.Mutex
	users    map[string]lobby.UserRecord
	seen     []string
	prefs    map[string]matching.Preferences
	started  []CallEvent
	ended    []CallEvent
	reports  []ReportEvent
	failWith error
}

func newMemorySink() *memorySink {
	return &memorySink{
		users: make(map[string]lobby.UserRecord),
		prefs: make(map[string]matching.Preferences),
	}
}

func (s *memorySink) GetOrCreateUser(_ context.Context, id, country string) (lobby.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return lobby.UserRecord{}, s.failWith
	}
	u, ok := s.users[id]
	if !ok {
		u = lobby.UserRecord{ID: id, Country: country, Trust: matching.TrustNew}
		s.users[id] = u
	}
	return u, nil
}

func (s *memorySink) UserSeen(_ context.Context, e UserEvent) error {
	s.mu.Lock()
	s.seen = append(s.seen, e.ID)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) PreferencesSaved(_ context.Context, e PreferencesEvent) error {
	s.mu.Lock()
	s.prefs[e.ID] = e.Preferences
	s.mu.Unlock()
	return nil
}

func (s *memorySink) CallStarted(_ context.Context, e CallEvent) error {
	s.mu.Lock()
	s.started = append(s.started, e)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) CallEnded(_ context.Context, e CallEvent) error {
	s.mu.Lock()
	s.ended = append(s.ended, e)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) ReportCreated(_ context.Context, e ReportEvent) error {
	s.mu.Lock()
	s.reports = append(s.reports, e)
	s.mu.Unlock()
	return nil
}

func newLoopback() (*Publisher, *memorySink, *loopback) {
	sink := newMemorySink()
	bus := &loopback{consumer: NewConsumer(sink, time.Second, zap.NewNop())}
	return NewPublisher(bus, zap.NewNop()), sink, bus
}

// ---------------------------------------------------------------------------
// Publisher -> Consumer
// ---------------------------------------------------------------------------

func TestLookupUser_CreatesOnFirstSight(t *testing.T) {
	pub, sink, _ := newLoopback()

	u, err := pub.GetOrCreateUser(context.Background(), "u1", "US")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if u.ID != "u1" || u.Country != "US" || u.Trust != matching.TrustNew {
		t.Fatalf("unexpected record: %+v", u)
	}

	// A second lookup returns the stored record and does not re-create.
	u, err = pub.LookupUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LookupUser: %v", err)
	}
	if u.Country != "US" {
		t.Errorf("expected stored country US, got %q", u.Country)
	}
	if len(sink.users) != 1 {
		t.Errorf("expected 1 stored user, got %d", len(sink.users))
	}
}

func TestLookupUser_SinkFailure(t *testing.T) {
	pub, sink, _ := newLoopback()
	sink.failWith = errors.New("db down")

	if _, err := pub.LookupUser(context.Background(), "u1"); err == nil {
		t.Fatal("expected lookup error to surface")
	}
}

func TestLookupUser_BusFailure(t *testing.T) {
	pub, _, bus := newLoopback()
	bus.fail = errors.New("no responders")

	if _, err := pub.LookupUser(context.Background(), "u1"); err == nil {
		t.Fatal("expected bus error to surface")
	}
}

func TestPublisher_CallLifecycle(t *testing.T) {
	pub, sink, _ := newLoopback()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := call.Session{ID: "s1", A: "a", B: "b", StartedAt: start}
	pub.CallStarted(s)

	s.EndedAt = start.Add(42 * time.Second)
	s.EndedBy = "a"
	s.Quality = call.QualityStrong
	s.Duration = 42
	pub.CallEnded(s)

	if len(sink.started) != 1 || sink.started[0].SessionID != "s1" {
		t.Fatalf("expected one started event for s1, got %+v", sink.started)
	}
	if len(sink.ended) != 1 {
		t.Fatalf("expected one ended event, got %d", len(sink.ended))
	}
	e := sink.ended[0]
	if e.Duration != 42 || e.EndedBy != "a" || e.Quality != call.QualityStrong {
		t.Errorf("unexpected ended event: %+v", e)
	}
	if !e.StartedAt.Equal(start) {
		t.Errorf("startedAt lost in transit: %v", e.StartedAt)
	}
}

func TestPublisher_SeenAndPreferences(t *testing.T) {
	pub, sink, _ := newLoopback()

	pub.Seen("u1")
	pub.PreferencesSaved("u1", matching.Preferences{Languages: []string{"English"}})

	if len(sink.seen) != 1 || sink.seen[0] != "u1" {
		t.Errorf("expected u1 seen, got %v", sink.seen)
	}
	if got := sink.prefs["u1"].Languages; len(got) != 1 || got[0] != "English" {
		t.Errorf("unexpected stored preferences: %v", got)
	}
}

func TestPublisher_FireAndForgetSwallowsErrors(t *testing.T) {
	pub, _, bus := newLoopback()
	bus.fail = errors.New("disconnected")

	// Must not panic or block.
	pub.Seen("u1")
	pub.CallEnded(call.Session{ID: "s1"})
}

func TestPublisher_Report(t *testing.T) {
	pub, sink, _ := newLoopback()

	err := pub.Report(ReportEvent{ReporterID: "a", ReportedUserID: "b", Reason: "spam"})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(sink.reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(sink.reports))
	}
	if sink.reports[0].CreatedAt.IsZero() {
		t.Error("report should be stamped")
	}
}

func TestConsumer_MalformedPayloads(t *testing.T) {
	sink := newMemorySink()
	c := NewConsumer(sink, time.Second, zap.NewNop())

	if reply := c.Handle(SubjectCallEnded, []byte(`{`)); reply != nil {
		t.Errorf("fire-and-forget subjects should not reply, got %s", reply)
	}
	if len(sink.ended) != 0 {
		t.Error("malformed event should not reach the sink")
	}

	reply := c.Handle(SubjectUserLookup, []byte(`{}`))
	if reply == nil {
		t.Fatal("lookup should always reply")
	}
}

// ---------------------------------------------------------------------------
// Live NATS
// ---------------------------------------------------------------------------

func TestNATS_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.MaxReconnects = 0

	client, err := Connect(cfg, zap.NewNop())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer client.Close()

	sink := newMemorySink()
	if err := NewConsumer(sink, time.Second, zap.NewNop()).Subscribe(client); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	pub := NewPublisher(client, zap.NewNop())
	u, err := pub.GetOrCreateUser(ctx, "live-user", "DE")
	if err != nil {
		t.Fatalf("GetOrCreateUser over NATS: %v", err)
	}
	if u.Country != "DE" {
		t.Errorf("expected DE, got %q", u.Country)
	}
}
