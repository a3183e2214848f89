package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/voice-app/internal/call"
	"github.com/whisper/voice-app/internal/matching"
	"github.com/whisper/voice-app/internal/protocol"
	"github.com/whisper/voice-app/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

var connSeq int64

type fakeClient struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newClient() *fakeClient {
	return &fakeClient{id: fmt.Sprintf("conn-%d", atomic.AddInt64(&connSeq, 1))}
}

func (c *fakeClient) ConnID() string { return c.id }

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeClient) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeClient) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// received returns every frame of the given type, decoded.
func (c *fakeClient) received(msgType string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range c.frames {
		var m map[string]interface{}
		if json.Unmarshal(f, &m) == nil && m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) raw() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	users   map[string]UserRecord
	fail    bool
	seen    []string
	prefs   map[string]matching.Preferences
	started []call.Session
	ended   []call.Session
}

func newRecorder() *fakeRecorder {
	return &fakeRecorder{users: make(map[string]UserRecord), prefs: make(map[string]matching.Preferences)}
}

func (r *fakeRecorder) LookupUser(_ context.Context, id string) (UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return UserRecord{}, errors.New("recorder unavailable")
	}
	if u, ok := r.users[id]; ok {
		return u, nil
	}
	return UserRecord{ID: id, Trust: matching.TrustNew}, nil
}

func (r *fakeRecorder) Seen(id string) {
	r.mu.Lock()
	r.seen = append(r.seen, id)
	r.mu.Unlock()
}

func (r *fakeRecorder) PreferencesSaved(id string, p matching.Preferences) {
	r.mu.Lock()
	r.prefs[id] = p
	r.mu.Unlock()
}

func (r *fakeRecorder) CallStarted(s call.Session) {
	r.mu.Lock()
	r.started = append(r.started, s)
	r.mu.Unlock()
}

func (r *fakeRecorder) CallEnded(s call.Session) {
	r.mu.Lock()
	r.ended = append(r.ended, s)
	r.mu.Unlock()
}

func (r *fakeRecorder) endedCalls() []call.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call.Session(nil), r.ended...)
}

type fakeBans map[string]string

func (b fakeBans) IsBanned(_ context.Context, id string) (bool, int, string, error) {
	if reason, ok := b[id]; ok {
		return true, 900, reason, nil
	}
	return false, 0, "", nil
}

type fakeLimiter struct{ deny map[string]bool }

func (f fakeLimiter) Allow(_ context.Context, id string, _ ratelimit.Rule) (bool, error) {
	return !f.deny[id], nil
}

func (f fakeLimiter) RetryAfter(context.Context, string, ratelimit.Rule) (int, error) {
	return 42, nil
}

type fakePresence struct {
	mu     sync.Mutex
	status map[string]string
	touch  map[string]int
}

func newPresence() *fakePresence {
	return &fakePresence{status: make(map[string]string), touch: make(map[string]int)}
}

func (p *fakePresence) Connect(_ context.Context, id string) error {
	p.mu.Lock()
	p.status[id] = string(StateIdle)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) Touch(_ context.Context, id string) error {
	p.mu.Lock()
	p.touch[id]++
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) SetStatus(_ context.Context, id, status string) error {
	p.mu.Lock()
	p.status[id] = status
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) Disconnect(_ context.Context, id string) error {
	p.mu.Lock()
	delete(p.status, id)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) get(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.status[id]
	return s, ok
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.RetryInterval = 5 * time.Millisecond
	cfg.PresenceInterval = 10 * time.Millisecond
	cfg.CleanupInterval = 10 * time.Millisecond
	cfg.LookupTimeout = 100 * time.Millisecond
	cfg.StoreTimeout = 100 * time.Millisecond
	return cfg
}

func newTestLobby(t *testing.T, deps Deps) *Lobby {
	t.Helper()
	l := New(testConfig(), deps, zap.NewNop())
	t.Cleanup(l.sched.Stop)
	return l
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

var usEnglish = protocol.Preferences{Countries: []string{"US"}, Languages: []string{"English"}}

func join(l *Lobby, c *fakeClient, id string, prefs protocol.Preferences) {
	l.HandleJoin(c, protocol.JoinQueueMsg{Type: protocol.TypeJoinQueue, UserID: id, Preferences: prefs})
}

// pair joins x and y and waits until both are in a call.
func pair(t *testing.T, l *Lobby) (x, y *fakeClient) {
	t.Helper()
	x, y = newClient(), newClient()
	join(l, x, "x", usEnglish)
	join(l, y, "y", usEnglish)
	waitFor(t, func() bool {
		return len(x.received(protocol.TypeMatchFound)) == 1 && len(y.received(protocol.TypeMatchFound)) == 1
	})
	return x, y
}

// ---------------------------------------------------------------------------
// Join / leave
// ---------------------------------------------------------------------------

func TestJoin_RepliesWithPositionAndEstimate(t *testing.T) {
	l := newTestLobby(t, Deps{})
	l.sched.Stop() // keep both queued

	a, b := newClient(), newClient()
	join(l, a, "a", protocol.Preferences{})
	join(l, b, "b", usEnglish)

	msgs := b.received(protocol.TypeQueueJoined)
	if len(msgs) != 1 {
		t.Fatalf("expected one queue-joined, got %d", len(msgs))
	}
	m := msgs[0]
	if m["position"].(float64) != 2 || m["queueSize"].(float64) != 2 {
		t.Errorf("unexpected position/size: %v", m)
	}
	if m["priority"] != "medium" || m["estimatedWait"].(float64) != 15 {
		t.Errorf("unexpected estimate: %v", m)
	}
	if l.State("b") != StateQueued {
		t.Errorf("expected queued, got %s", l.State("b"))
	}
}

func TestJoin_MatchesCompatiblePair(t *testing.T) {
	rec := newRecorder()
	l := newTestLobby(t, Deps{Recorder: rec})
	x, y := pair(t, l)

	mx := x.received(protocol.TypeMatchFound)[0]
	my := y.received(protocol.TypeMatchFound)[0]

	if mx["partnerId"] != "y" || my["partnerId"] != "x" {
		t.Fatalf("wrong partners: %v / %v", mx, my)
	}
	if mx["score"].(float64) != 150 || my["score"].(float64) != 150 {
		t.Fatalf("expected score 150: %v / %v", mx, my)
	}
	if mx["sessionId"] == "" || mx["sessionId"] != my["sessionId"] {
		t.Fatalf("session ids should match: %v / %v", mx["sessionId"], my["sessionId"])
	}
	if mx["initiator"] == my["initiator"] {
		t.Fatal("exactly one side should be the initiator")
	}
	if l.Stats().QueueSize != 0 || l.Stats().ActiveCalls != 1 {
		t.Fatalf("unexpected stats: %+v", l.Stats())
	}
	if l.State("x") != StateInCall || l.State("y") != StateInCall {
		t.Fatal("both should be in-call")
	}
	rec.mu.Lock()
	started := len(rec.started)
	rec.mu.Unlock()
	if started != 1 {
		t.Fatalf("expected one CallStarted, got %d", started)
	}
}

func TestJoin_BelowThresholdStaysQueued(t *testing.T) {
	rec := newRecorder()
	rec.users["x"] = UserRecord{ID: "x", AbuseScore: 15, Trust: matching.TrustNew}
	l := newTestLobby(t, Deps{Recorder: rec})

	x, y := newClient(), newClient()
	join(l, x, "x", protocol.Preferences{})
	join(l, y, "y", protocol.Preferences{})

	time.Sleep(50 * time.Millisecond)
	if len(x.received(protocol.TypeMatchFound)) != 0 || len(y.received(protocol.TypeMatchFound)) != 0 {
		t.Fatal("no match expected at score 25")
	}
	if l.Stats().QueueSize != 2 {
		t.Fatalf("both should remain queued, size=%d", l.Stats().QueueSize)
	}
}

func TestJoin_LookupFailureUsesDefaults(t *testing.T) {
	rec := newRecorder()
	rec.fail = true
	l := newTestLobby(t, Deps{Recorder: rec})
	pair(t, l)
}

func TestJoin_RefusedWhileInCall(t *testing.T) {
	l := newTestLobby(t, Deps{})
	x, _ := pair(t, l)

	join(l, x, "x", usEnglish)

	errs := x.received(protocol.TypeError)
	if len(errs) != 1 || errs[0]["code"] != "in_call" {
		t.Fatalf("expected in_call error, got %v", errs)
	}
	if l.Stats().QueueSize != 0 {
		t.Fatal("participant in a call must not be queued")
	}
}

func TestJoin_Banned(t *testing.T) {
	l := newTestLobby(t, Deps{Bans: fakeBans{"x": "multiple_reports"}})
	x := newClient()
	join(l, x, "x", usEnglish)

	msgs := x.received(protocol.TypeBanned)
	if len(msgs) != 1 {
		t.Fatalf("expected banned message, got %d", len(msgs))
	}
	if msgs[0]["reason"] != "multiple_reports" || msgs[0]["duration"].(float64) != 900 {
		t.Errorf("unexpected banned payload: %v", msgs[0])
	}
	if l.State("x") != StateIdle {
		t.Fatal("banned participant must not be queued")
	}
}

func TestJoin_RateLimited(t *testing.T) {
	l := newTestLobby(t, Deps{Limiter: fakeLimiter{deny: map[string]bool{"x": true}}})
	x := newClient()
	join(l, x, "x", usEnglish)

	msgs := x.received(protocol.TypeRateLimited)
	if len(msgs) != 1 || msgs[0]["retryAfter"].(float64) != 42 {
		t.Fatalf("expected rate_limited with retryAfter 42, got %v", msgs)
	}
	if l.State("x") != StateIdle {
		t.Fatal("rate limited participant must not be queued")
	}
}

func TestLeave_StopsMatching(t *testing.T) {
	l := newTestLobby(t, Deps{})
	x := newClient()
	join(l, x, "x", usEnglish)
	l.HandleLeave(x, protocol.LeaveQueueMsg{UserID: "x"})

	if l.State("x") != StateIdle {
		t.Fatalf("expected idle after leave, got %s", l.State("x"))
	}

	// A later joiner must not be matched with x.
	y := newClient()
	join(l, y, "y", usEnglish)
	time.Sleep(30 * time.Millisecond)
	if len(y.received(protocol.TypeMatchFound)) != 0 {
		t.Fatal("departed participant was matched")
	}
	waitFor(t, func() bool { return !l.sched.Pending("x") })
}

// ---------------------------------------------------------------------------
// Identity binding
// ---------------------------------------------------------------------------

func TestIdentity_MismatchRejected(t *testing.T) {
	l := newTestLobby(t, Deps{})
	c := newClient()
	l.HandleHeartbeat(c, protocol.HeartbeatMsg{UserID: "x"})
	l.HandleLeave(c, protocol.LeaveQueueMsg{UserID: "mallory"})

	errs := c.received(protocol.TypeError)
	if len(errs) != 1 || errs[0]["code"] != "identity_mismatch" {
		t.Fatalf("expected identity_mismatch, got %v", errs)
	}
}

func TestIdentity_SupersededConnectionRejected(t *testing.T) {
	l := newTestLobby(t, Deps{})
	old, cur := newClient(), newClient()
	l.HandleHeartbeat(old, protocol.HeartbeatMsg{UserID: "x"})
	l.HandleHeartbeat(cur, protocol.HeartbeatMsg{UserID: "x"})

	l.HandleHeartbeat(old, protocol.HeartbeatMsg{UserID: "x"})
	errs := old.received(protocol.TypeError)
	if len(errs) != 1 || errs[0]["code"] != "superseded" {
		t.Fatalf("expected superseded error, got %v", errs)
	}
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

func TestRelay_ForwardsVerbatimToPartner(t *testing.T) {
	l := newTestLobby(t, Deps{})
	x, y := pair(t, l)

	frame := []byte(`{"type":"offer","userId":"x","targetUserId":"y","offer":{"type":"offer","sdp":"v=0\r\n"}}`)
	_, msg, err := protocol.ParseClientMessage(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	l.HandleRelay(x, msg.(protocol.RelayMsg))

	frames := y.raw()
	last := frames[len(frames)-1]
	if string(last) != string(frame) {
		t.Fatalf("relay altered the frame:\n got %s\nwant %s", last, frame)
	}
}

func TestRelay_DropsForNonPartner(t *testing.T) {
	l := newTestLobby(t, Deps{})
	x, _ := pair(t, l)
	z := newClient()
	l.HandleHeartbeat(z, protocol.HeartbeatMsg{UserID: "z"})

	l.HandleRelay(x, protocol.RelayMsg{
		Type: protocol.TypeOffer, UserID: "x", TargetUserID: "z",
		Raw: []byte(`{"type":"offer","userId":"x","targetUserId":"z"}`),
	})

	if len(z.received(protocol.TypeOffer)) != 0 {
		t.Fatal("relay to a non-partner must be dropped")
	}
	if len(x.received(protocol.TypeError)) != 0 {
		t.Fatal("dropped relay must not be surfaced to the sender")
	}
}

func TestRelay_DropsWhenIdle(t *testing.T) {
	l := newTestLobby(t, Deps{})
	x := newClient()
	l.HandleRelay(x, protocol.RelayMsg{Type: protocol.TypeAnswer, UserID: "x", TargetUserID: "y", Raw: []byte(`{}`)})
	if len(x.received(protocol.TypeError)) != 0 {
		t.Fatal("relay without a call is a silent drop")
	}
}

// ---------------------------------------------------------------------------
// End call / disconnect
// ---------------------------------------------------------------------------

func TestEndCall_NotifiesPartnerAndRecords(t *testing.T) {
	rec := newRecorder()
	l := newTestLobby(t, Deps{Recorder: rec})
	x, y := pair(t, l)

	l.HandleEndCall(x, protocol.EndCallMsg{UserID: "x", TargetUserID: "y", Quality: call.QualityWeak})

	if n := len(y.received(protocol.TypePeerDisconnected)); n != 1 {
		t.Fatalf("expected one peer-disconnected, got %d", n)
	}
	if n := len(x.received(protocol.TypePeerDisconnected)); n != 0 {
		t.Fatalf("sender should not be notified, got %d", n)
	}
	ended := rec.endedCalls()
	if len(ended) != 1 || ended[0].EndedBy != "x" || ended[0].Quality != call.QualityWeak {
		t.Fatalf("unexpected recorded close: %+v", ended)
	}
	if l.State("x") != StateIdle || l.State("y") != StateIdle {
		t.Fatal("both should be idle")
	}

	// A repeated end-call is a no-op.
	l.HandleEndCall(y, protocol.EndCallMsg{UserID: "y", TargetUserID: "x", Quality: call.QualityStrong})
	if len(rec.endedCalls()) != 1 || len(x.received(protocol.TypePeerDisconnected)) != 0 {
		t.Fatal("second end-call must not close again")
	}
}

func TestEndCall_StaleTargetStillEndsSendersCall(t *testing.T) {
	rec := newRecorder()
	l := newTestLobby(t, Deps{Recorder: rec})
	x, y := pair(t, l)

	l.HandleEndCall(x, protocol.EndCallMsg{UserID: "x", TargetUserID: "someone", Quality: call.QualityStrong})

	if n := len(y.received(protocol.TypePeerDisconnected)); n != 1 {
		t.Fatalf("expected one peer-disconnected for the real partner, got %d", n)
	}
	if l.State("x") != StateIdle || l.State("y") != StateIdle {
		t.Fatal("the sender's call should be closed")
	}
	if len(x.received(protocol.TypeError)) != 0 {
		t.Fatal("closing by sender identity is not an error")
	}
	if ended := rec.endedCalls(); len(ended) != 1 || ended[0].EndedBy != "x" {
		t.Fatalf("unexpected recorded close: %+v", ended)
	}
}

func TestEndCall_WithoutCallReportsError(t *testing.T) {
	l := newTestLobby(t, Deps{})
	x := newClient()
	l.HandleHeartbeat(x, protocol.HeartbeatMsg{UserID: "x"})

	l.HandleEndCall(x, protocol.EndCallMsg{UserID: "x"})

	errs := x.received(protocol.TypeError)
	if len(errs) != 1 || errs[0]["code"] != "not_in_call" {
		t.Fatalf("expected not_in_call error, got %v", errs)
	}
}

func TestDisconnect_InCall(t *testing.T) {
	rec := newRecorder()
	l := newTestLobby(t, Deps{Recorder: rec})
	x, y := pair(t, l)

	x.close()
	l.HandleDisconnect(x)
	l.HandleDisconnect(x) // transport may report the close twice

	if n := len(y.received(protocol.TypePeerDisconnected)); n != 1 {
		t.Fatalf("expected exactly one peer-disconnected, got %d", n)
	}
	ended := rec.endedCalls()
	if len(ended) != 1 {
		t.Fatalf("expected exactly one close, got %d", len(ended))
	}
	if ended[0].EndedBy != "" {
		t.Errorf("disconnect close should have empty endedBy, got %q", ended[0].EndedBy)
	}
	if ended[0].EndedAt.Before(ended[0].StartedAt) {
		t.Error("end must not precede start")
	}
	if l.State("y") != StateIdle {
		t.Fatal("partner should be idle")
	}
	if l.Stats().OnlineUsers != 1 {
		t.Fatalf("expected 1 online, got %d", l.Stats().OnlineUsers)
	}

	// The partner disconnecting afterwards closes nothing further.
	y.close()
	l.HandleDisconnect(y)
	if len(rec.endedCalls()) != 1 {
		t.Fatal("partner disconnect must not close the session again")
	}
}

func TestDisconnect_Queued(t *testing.T) {
	l := newTestLobby(t, Deps{})
	l.sched.Stop()
	x := newClient()
	join(l, x, "x", usEnglish)

	x.close()
	l.HandleDisconnect(x)

	if l.State("x") != StateIdle || l.Stats().QueueSize != 0 {
		t.Fatal("disconnect should dequeue")
	}
}

func TestDisconnect_StaleConnectionIgnored(t *testing.T) {
	rec := newRecorder()
	l := newTestLobby(t, Deps{Recorder: rec})
	x, y := pair(t, l)

	// x reconnects on a new connection, then the old one closes.
	x2 := newClient()
	l.HandleHeartbeat(x2, protocol.HeartbeatMsg{UserID: "x"})
	x.close()
	l.HandleDisconnect(x)

	if l.State("x") != StateInCall {
		t.Fatal("closing a stale connection must not end the call")
	}
	if len(y.received(protocol.TypePeerDisconnected)) != 0 {
		t.Fatal("partner must not be notified for a stale close")
	}
	s, _ := l.calls.Get("x")
	if s.Reconnects != 1 {
		t.Fatalf("expected reconnect counted, got %d", s.Reconnects)
	}
}

func TestDisconnect_UnidentifiedConnection(t *testing.T) {
	l := newTestLobby(t, Deps{})
	l.HandleDisconnect(newClient())
}

func TestOnMatch_PartyGoneBeforeOpen(t *testing.T) {
	rec := newRecorder()
	l := newTestLobby(t, Deps{Recorder: rec})
	l.sched.Stop()

	w, x, y := newClient(), newClient(), newClient()
	join(l, x, "x", usEnglish)
	join(l, y, "y", usEnglish)
	join(l, w, "w", protocol.Preferences{Countries: []string{"JP"}, Languages: []string{"Japanese"}})

	m, ok := l.queue.AttemptMatch("x")
	if !ok || m.Partner != "y" {
		t.Fatalf("expected x and y to commit, got %+v %v", m, ok)
	}
	// y drops between the commit and the session opening.
	y.close()
	l.HandleDisconnect(y)
	l.onMatch(m)

	if len(x.received(protocol.TypePeerDisconnected)) != 0 {
		t.Fatal("x never had a call and must not see peer-disconnected")
	}
	if len(x.received(protocol.TypeMatchFound)) != 0 {
		t.Fatal("x must not be told about a call that never opened")
	}
	if l.Stats().ActiveCalls != 0 || len(rec.endedCalls()) != 0 {
		t.Fatal("no session should have been opened or closed")
	}
	if l.State("x") != StateQueued {
		t.Fatalf("x should be back in the queue, got %s", l.State("x"))
	}
	if pos, _ := l.queue.Position("x"); pos != 1 {
		t.Fatalf("x should keep its place ahead of w, got position %d", pos)
	}
	if l.queue.Contains("y") || l.queue.Committed("y") {
		t.Fatal("the departed party must not be requeued or left committed")
	}
}

func TestOnMatch_RequeuedPartyIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = time.Hour // only the requeue retry fires
	l := New(cfg, Deps{}, zap.NewNop())
	t.Cleanup(l.sched.Stop)

	x, y := newClient(), newClient()
	join(l, x, "x", usEnglish)
	join(l, y, "y", usEnglish)

	m, ok := l.queue.AttemptMatch("x")
	if !ok {
		t.Fatal("expected a commit")
	}
	y.close()
	l.HandleDisconnect(y)
	l.onMatch(m)

	if !l.sched.Pending("x") {
		t.Fatal("requeued party should have a retry scheduled")
	}
	z := newClient()
	join(l, z, "z", usEnglish)

	waitFor(t, func() bool {
		got := x.received(protocol.TypeMatchFound)
		return len(got) == 1 && got[0]["partnerId"] == "z"
	})
}

// ---------------------------------------------------------------------------
// Commit hold
// ---------------------------------------------------------------------------

func TestJoin_RefusedWhileCommitPending(t *testing.T) {
	l := newTestLobby(t, Deps{})
	l.sched.Stop()

	a, b, c := newClient(), newClient(), newClient()
	join(l, a, "a", usEnglish)
	join(l, b, "b", usEnglish)

	m1, ok := l.queue.AttemptMatch("a")
	if !ok {
		t.Fatal("expected a and b to commit")
	}
	if l.State("b") != StateMatching {
		t.Fatalf("committed party should be matching, got %s", l.State("b"))
	}

	// b rejoins before the session opens, then c arrives.
	join(l, b, "b", usEnglish)
	errs := b.received(protocol.TypeError)
	if len(errs) != 1 || errs[0]["code"] != "match_pending" {
		t.Fatalf("expected match_pending error, got %v", errs)
	}
	join(l, c, "c", usEnglish)
	if _, ok := l.queue.AttemptMatch("c"); ok {
		t.Fatal("c must not pair with a participant already committed to a")
	}

	l.onMatch(m1)

	if l.State("a") != StateInCall || l.State("b") != StateInCall {
		t.Fatal("a and b should be in their call")
	}
	if l.State("c") != StateQueued {
		t.Fatalf("c should still be waiting, got %s", l.State("c"))
	}
	if len(c.received(protocol.TypeMatchFound)) != 0 {
		t.Fatal("c must not be told about a match")
	}

	d := newClient()
	join(l, d, "d", usEnglish)
	m2, ok := l.queue.AttemptMatch("c")
	if !ok || m2.Partner != "d" {
		t.Fatalf("c should pair with the next arrival, got %+v %v", m2, ok)
	}
	l.onMatch(m2)
	if got := c.received(protocol.TypeMatchFound); len(got) != 1 || got[0]["partnerId"] != "d" {
		t.Fatalf("expected c matched with d, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Heartbeat / presence
// ---------------------------------------------------------------------------

func TestHeartbeat_AcksAndTouches(t *testing.T) {
	p := newPresence()
	l := newTestLobby(t, Deps{Presence: p})
	c := newClient()

	l.HandleHeartbeat(c, protocol.HeartbeatMsg{UserID: "x"})
	l.HandleHeartbeat(c, protocol.HeartbeatMsg{UserID: "x"})

	if n := len(c.received(protocol.TypeHeartbeatAck)); n != 2 {
		t.Fatalf("expected 2 acks, got %d", n)
	}
	p.mu.Lock()
	touches := p.touch["x"]
	p.mu.Unlock()
	if touches != 2 {
		t.Fatalf("expected 2 touches, got %d", touches)
	}
}

func TestPresence_TracksLifecycle(t *testing.T) {
	p := newPresence()
	l := newTestLobby(t, Deps{Presence: p})
	x, _ := pair(t, l)

	waitFor(t, func() bool {
		sx, _ := p.get("x")
		sy, _ := p.get("y")
		return sx == string(StateInCall) && sy == string(StateInCall)
	})

	x.close()
	l.HandleDisconnect(x)
	if _, ok := p.get("x"); ok {
		t.Fatal("presence record should be removed on disconnect")
	}
	if s, _ := p.get("y"); s != string(StateIdle) {
		t.Fatalf("partner presence should be idle, got %q", s)
	}
}

func TestBroadcastPresence(t *testing.T) {
	l := newTestLobby(t, Deps{})
	a, b := newClient(), newClient()
	l.HandleHeartbeat(a, protocol.HeartbeatMsg{UserID: "a"})
	l.HandleHeartbeat(b, protocol.HeartbeatMsg{UserID: "b"})

	l.BroadcastPresence()

	msgs := a.received(protocol.TypeOnlineCount)
	if len(msgs) != 1 || msgs[0]["count"].(float64) != 2 {
		t.Fatalf("expected online-count 2, got %v", msgs)
	}
}

func TestPresence_BroadcastOnJoinAndDisconnect(t *testing.T) {
	l := newTestLobby(t, Deps{})
	l.sched.Stop()
	a, b := newClient(), newClient()
	l.HandleHeartbeat(a, protocol.HeartbeatMsg{UserID: "a"})

	join(l, b, "b", usEnglish)
	msgs := a.received(protocol.TypeOnlineCount)
	if len(msgs) != 1 || msgs[0]["count"].(float64) != 2 {
		t.Fatalf("expected online-count 2 after join, got %v", msgs)
	}

	b.close()
	l.HandleDisconnect(b)
	msgs = a.received(protocol.TypeOnlineCount)
	if len(msgs) != 2 || msgs[1]["count"].(float64) != 1 {
		t.Fatalf("expected online-count 1 after disconnect, got %v", msgs)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	l := newTestLobby(t, Deps{})
	c := newClient()
	l.HandleHeartbeat(c, protocol.HeartbeatMsg{UserID: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return len(c.received(protocol.TypeOnlineCount)) > 0 })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentJoinsPairEveryone(t *testing.T) {
	rec := newRecorder()
	l := newTestLobby(t, Deps{Recorder: rec})

	const n = 40
	clients := make([]*fakeClient, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		clients[i] = newClient()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			join(l, clients[i], fmt.Sprintf("u%02d", i), usEnglish)
		}(i)
	}
	wg.Wait()

	waitFor(t, func() bool { return l.Stats().ActiveCalls == n/2 })

	partners := make(map[string]string)
	for i, c := range clients {
		msgs := c.received(protocol.TypeMatchFound)
		if len(msgs) != 1 {
			t.Fatalf("client %d got %d match-found", i, len(msgs))
		}
		partners[fmt.Sprintf("u%02d", i)] = msgs[0]["partnerId"].(string)
	}
	for id, p := range partners {
		if partners[p] != id {
			t.Fatalf("asymmetric pairing: %s -> %s -> %s", id, p, partners[p])
		}
	}
}
