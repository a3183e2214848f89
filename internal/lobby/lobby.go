// Package lobby wires inbound client events to the match queue, the call
// registry and the signaling router. It owns the per-identity lifecycle:
// idle, queued, matching, in-call and back to idle.
package lobby

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/voice-app/internal/call"
	"github.com/whisper/voice-app/internal/matching"
	"github.com/whisper/voice-app/internal/metrics"
	"github.com/whisper/voice-app/internal/protocol"
	"github.com/whisper/voice-app/internal/ratelimit"
	"github.com/whisper/voice-app/internal/signaling"
)

// Client is one transport connection as seen by the lobby.
type Client interface {
	signaling.Handle
	ConnID() string
}

// UserRecord is the persisted profile consumed at queue entry.
type UserRecord struct {
	ID         string              `json:"id"`
	Country    string              `json:"country,omitempty"`
	AbuseScore int                 `json:"abuseScore"`
	Trust      matching.TrustLevel `json:"trustLevel"`
	CallCount  int                 `json:"callCount"`
}

// Recorder is the persistence collaborator. Only LookupUser is awaited; the
// rest must return without waiting on I/O.
type Recorder interface {
	LookupUser(ctx context.Context, id string) (UserRecord, error)
	Seen(id string)
	PreferencesSaved(id string, prefs matching.Preferences)
	CallStarted(s call.Session)
	CallEnded(s call.Session)
}

// BanChecker reports whether an identity is currently banned.
type BanChecker interface {
	IsBanned(ctx context.Context, id string) (bool, int, string, error)
}

// Limiter throttles queue joins.
type Limiter interface {
	Allow(ctx context.Context, id string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, id string, rule ratelimit.Rule) (int, error)
}

// Presence mirrors per-identity liveness to an external store.
type Presence interface {
	Connect(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id, status string) error
	Disconnect(ctx context.Context, id string) error
}

// Deps are the optional collaborators. Nil fields are skipped.
type Deps struct {
	Recorder Recorder
	Bans     BanChecker
	Limiter  Limiter
	Presence Presence
}

// Config holds the lobby's timing and matching policy.
type Config struct {
	Threshold        int
	InitialDelay     time.Duration
	RetryInterval    time.Duration
	PresenceInterval time.Duration
	CleanupInterval  time.Duration
	LookupTimeout    time.Duration
	StoreTimeout     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:        matching.DefaultMinimum,
		InitialDelay:     1 * time.Second,
		RetryInterval:    2 * time.Second,
		PresenceInterval: 10 * time.Second,
		CleanupInterval:  matching.DefaultCleanupInterval,
		LookupTimeout:    2 * time.Second,
		StoreTimeout:     3 * time.Second,
	}
}

// State is the derived lifecycle state of an identity.
type State string

const (
	StateIdle     State = "idle"
	StateQueued   State = "queued"
	StateMatching State = "matching"
	StateInCall   State = "in-call"
)

// Stats is a point-in-time summary of the lobby.
type Stats struct {
	OnlineUsers int `json:"onlineUsers"`
	ActiveCalls int `json:"activeCalls"`
	QueueSize   int `json:"queueSize"`
}

// Lobby is the orchestrator. Lifecycle transitions that touch both the queue
// and the registry run under mu.
type Lobby struct {
	cfg    Config
	queue  *matching.Queue
	sched  *matching.Scheduler
	calls  *call.Registry
	router *signaling.Router
	deps   Deps
	log    *zap.Logger

	mu sync.Mutex

	bindMu sync.Mutex
	bound  map[string]string // connection ID -> identity
}

// New creates a lobby with its own queue, registry and router.
func New(cfg Config, deps Deps, log *zap.Logger) *Lobby {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	l := &Lobby{
		cfg:    cfg,
		queue:  matching.NewQueue(cfg.Threshold),
		calls:  call.NewRegistry(),
		router: signaling.NewRouter(),
		deps:   deps,
		log:    log.Named("lobby"),
		bound:  make(map[string]string),
	}
	l.sched = matching.NewScheduler(l.queue, cfg.RetryInterval, l.onMatch, log)
	return l
}

// Run drives the presence broadcast and the stale queue sweep until ctx is
// done, then stops pending match attempts.
func (l *Lobby) Run(ctx context.Context) {
	go matching.StartCleanup(ctx, l.queue, l.router.Connected, l.cfg.CleanupInterval, l.log)

	ticker := time.NewTicker(l.cfg.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.sched.Stop()
			return
		case <-ticker.C:
			l.BroadcastPresence()
		}
	}
}

// BroadcastPresence sends the current online count to every participant.
func (l *Lobby) BroadcastPresence() {
	count := l.router.Count()
	metrics.OnlineParticipants.Set(float64(count))
	metrics.MatchQueueSize.Set(float64(l.queue.Size()))
	metrics.ActiveCalls.Set(float64(l.calls.ActiveCount()))
	l.router.BroadcastPresence(count)
}

// Stats returns the current counts.
func (l *Lobby) Stats() Stats {
	return Stats{
		OnlineUsers: l.router.Count(),
		ActiveCalls: l.calls.ActiveCount(),
		QueueSize:   l.queue.Size(),
	}
}

// State derives id's lifecycle state.
func (l *Lobby) State(id string) State {
	if _, ok := l.calls.PartnerOf(id); ok {
		return StateInCall
	}
	if l.queue.Locked(id) || l.queue.Committed(id) {
		return StateMatching
	}
	if l.queue.Contains(id) {
		return StateQueued
	}
	return StateIdle
}

// ---------------------------------------------------------------------------
// Inbound events
// ---------------------------------------------------------------------------

// HandleJoin enters the sender into the queue and schedules the first
// attempt.
func (l *Lobby) HandleJoin(c Client, m protocol.JoinQueueMsg) {
	id := m.UserID
	if !l.identify(c, id) {
		return
	}
	if _, ok := l.calls.PartnerOf(id); ok {
		l.sendError(c, "in_call", "already in a call")
		return
	}
	if l.refuseBanned(c, id) || l.refuseLimited(c, id) {
		return
	}

	user := l.lookup(id)
	prefs := toMatchingPreferences(m.Preferences)

	l.mu.Lock()
	if _, ok := l.calls.PartnerOf(id); ok {
		l.mu.Unlock()
		l.sendError(c, "in_call", "already in a call")
		return
	}
	size, err := l.queue.Enqueue(matching.Participant{
		ID:          id,
		Preferences: prefs,
		AbuseScore:  user.AbuseScore,
		Trust:       user.Trust,
	})
	if err != nil {
		l.mu.Unlock()
		l.sendError(c, "match_pending", "a match is already being set up")
		return
	}
	pos, _ := l.queue.Position(id)
	l.mu.Unlock()

	priority, wait := matching.Estimate(prefs)
	l.send(c, protocol.TypeQueueJoined, protocol.QueueJoinedMsg{
		Position:      pos,
		QueueSize:     size,
		Priority:      string(priority),
		EstimatedWait: int(wait / time.Second),
	})

	l.setStatus(id, StateQueued)
	l.sched.Schedule(id, l.cfg.InitialDelay)
	metrics.MatchQueueSize.Set(float64(l.queue.Size()))
	l.deps.Recorder.PreferencesSaved(id, prefs)
	l.BroadcastPresence()

	l.log.Info("joined queue",
		zap.String("user", id),
		zap.Int("position", pos),
		zap.Int("queue_size", size))
}

// HandleLeave removes the sender from the queue. Any pending attempt ends on
// its own when it fires.
func (l *Lobby) HandleLeave(c Client, m protocol.LeaveQueueMsg) {
	id := m.UserID
	if !l.identify(c, id) {
		return
	}
	if l.queue.Dequeue(id) {
		metrics.MatchQueueSize.Set(float64(l.queue.Size()))
		l.setStatus(id, StateIdle)
		l.log.Info("left queue", zap.String("user", id))
	}
}

// HandleRelay forwards an offer, answer or ice-candidate frame verbatim to
// the sender's partner. Frames for anyone else are dropped.
func (l *Lobby) HandleRelay(c Client, m protocol.RelayMsg) {
	id := m.UserID
	if !l.identify(c, id) {
		return
	}
	partner, ok := l.calls.PartnerOf(id)
	if !ok || partner != m.TargetUserID {
		metrics.SignalingTotal.WithLabelValues("dropped").Inc()
		return
	}
	if l.router.Send(partner, m.Raw) {
		metrics.SignalingTotal.WithLabelValues("relayed").Inc()
	} else {
		metrics.SignalingTotal.WithLabelValues("dropped").Inc()
	}
}

// HandleEndCall closes the sender's call and notifies the partner. The call
// is found by the sender's identity; a stale targetUserId is only logged.
func (l *Lobby) HandleEndCall(c Client, m protocol.EndCallMsg) {
	id := m.UserID
	if !l.identify(c, id) {
		return
	}

	l.mu.Lock()
	partner, ok := l.calls.PartnerOf(id)
	if !ok {
		l.mu.Unlock()
		l.sendError(c, "not_in_call", "no active call to end")
		return
	}
	s, closed := l.calls.Close(id, id, m.Quality)
	l.mu.Unlock()

	if m.TargetUserID != "" && m.TargetUserID != partner {
		l.log.Debug("end-call target is not the partner",
			zap.String("user", id),
			zap.String("target", m.TargetUserID),
			zap.String("partner", partner))
	}

	if closed {
		l.finishCall(s, id)
		l.setStatus(id, StateIdle)
	}
}

// HandleHeartbeat acknowledges and refreshes the external liveness record.
func (l *Lobby) HandleHeartbeat(c Client, m protocol.HeartbeatMsg) {
	id := m.UserID
	if !l.identify(c, id) {
		return
	}
	l.send(c, protocol.TypeHeartbeatAck, protocol.HeartbeatAckMsg{})

	if l.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StoreTimeout)
		defer cancel()
		if err := l.deps.Presence.Touch(ctx, id); err != nil {
			l.log.Warn("presence touch failed", zap.String("user", id), zap.Error(err))
		}
	}
}

// HandleDisconnect cleans up after a closed connection. It acts only when the
// connection was bound to an identity and is still that identity's current
// handle, and at most once per connection.
func (l *Lobby) HandleDisconnect(c Client) {
	l.bindMu.Lock()
	id, ok := l.bound[c.ConnID()]
	delete(l.bound, c.ConnID())
	l.bindMu.Unlock()

	if !ok {
		return
	}
	if !l.router.Release(id, c) {
		l.log.Debug("stale connection closed", zap.String("user", id), zap.String("conn", c.ConnID()))
		return
	}

	l.mu.Lock()
	l.queue.Dequeue(id)
	s, closed := l.calls.Close(id, "", "")
	l.mu.Unlock()
	l.calls.Forget(id)

	if closed {
		l.finishCall(s, id)
	}

	l.BroadcastPresence()

	if l.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StoreTimeout)
		defer cancel()
		if err := l.deps.Presence.Disconnect(ctx, id); err != nil {
			l.log.Warn("presence disconnect failed", zap.String("user", id), zap.Error(err))
		}
	}

	l.log.Info("participant disconnected", zap.String("user", id), zap.Bool("ended_call", closed))
}

// ---------------------------------------------------------------------------
// Match and call lifecycle
// ---------------------------------------------------------------------------

// onMatch opens a session for a committed pair. It runs on the scheduler's
// timer goroutine. The commitment is settled under mu together with the
// open, and any party the pairing fell through for goes back in line.
func (l *Lobby) onMatch(m matching.Match) {
	l.mu.Lock()
	var (
		s   call.Session
		err error
	)
	gone := ""
	for _, id := range []string{m.Requester, m.Partner} {
		if !l.router.Connected(id) {
			gone = id
			break
		}
	}
	if gone == "" {
		s, err = l.calls.Open(m.Requester, m.Partner)
	}
	l.queue.Settle(m.Requester, m.Partner)
	if gone != "" || err != nil {
		requeued := l.requeueLocked(m.RequesterEntry, m.PartnerEntry)
		l.mu.Unlock()
		l.log.Info("pairing fell through",
			zap.String("requester", m.Requester),
			zap.String("partner", m.Partner),
			zap.String("gone", gone),
			zap.Strings("requeued", requeued),
			zap.Error(err))
		for _, id := range requeued {
			l.sched.Reschedule(id, l.cfg.RetryInterval)
			l.setStatus(id, StateQueued)
		}
		metrics.MatchQueueSize.Set(float64(l.queue.Size()))
		return
	}
	l.mu.Unlock()
	l.deps.Recorder.CallStarted(s)

	now := time.Now()
	metrics.MatchesTotal.Inc()
	metrics.MatchScore.Observe(float64(m.Score))
	metrics.MatchDuration.Observe(now.Sub(m.RequesterEntry.JoinedAt).Seconds())
	metrics.MatchDuration.Observe(now.Sub(m.PartnerEntry.JoinedAt).Seconds())
	metrics.ActiveCalls.Set(float64(l.calls.ActiveCount()))
	metrics.MatchQueueSize.Set(float64(l.queue.Size()))

	l.sendTo(m.Requester, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		PartnerID: m.Partner,
		Score:     m.Score,
		SessionID: s.ID,
		Initiator: true,
	})
	l.sendTo(m.Partner, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		PartnerID: m.Requester,
		Score:     m.Score,
		SessionID: s.ID,
	})
	l.setStatus(m.Requester, StateInCall)
	l.setStatus(m.Partner, StateInCall)
}

// requeueLocked puts back every entry that is still connected and not in a
// call, keeping its original join time. Callers hold mu.
func (l *Lobby) requeueLocked(entries ...matching.Participant) []string {
	var ids []string
	for _, p := range entries {
		if !l.router.Connected(p.ID) {
			continue
		}
		if _, busy := l.calls.PartnerOf(p.ID); busy {
			continue
		}
		if l.queue.Requeue(p) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// finishCall notifies the member who did not leave and records the closed
// session.
func (l *Lobby) finishCall(s call.Session, leaver string) {
	other := s.Partner(leaver)
	l.sendTo(other, protocol.TypePeerDisconnected, protocol.PeerDisconnectedMsg{})
	l.setStatus(other, StateIdle)

	l.deps.Recorder.CallEnded(s)
	metrics.CallDuration.Observe(float64(s.Duration))
	metrics.ActiveCalls.Set(float64(l.calls.ActiveCount()))

	l.log.Info("call ended",
		zap.String("session", s.ID),
		zap.String("ended_by", s.EndedBy),
		zap.Int("duration", s.Duration),
		zap.String("quality", s.Quality))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// identify binds c to id on its first event and registers it with the
// router. Later events must carry the same identity and come from the
// identity's current connection.
func (l *Lobby) identify(c Client, id string) bool {
	l.bindMu.Lock()
	bound, ok := l.bound[c.ConnID()]
	if !ok {
		l.bound[c.ConnID()] = id
	}
	l.bindMu.Unlock()

	if ok {
		if bound != id {
			l.sendError(c, "identity_mismatch", "userId does not match this connection")
			return false
		}
		if !l.router.Current(id, c) {
			l.sendError(c, "superseded", "a newer connection is active for this user")
			return false
		}
		return true
	}

	if l.router.Register(id, c) {
		l.calls.AddReconnect(id)
		l.log.Info("connection replaced", zap.String("user", id), zap.String("conn", c.ConnID()))
	}
	metrics.OnlineParticipants.Set(float64(l.router.Count()))
	l.deps.Recorder.Seen(id)

	if l.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StoreTimeout)
		defer cancel()
		if err := l.deps.Presence.Connect(ctx, id); err != nil {
			l.log.Warn("presence connect failed", zap.String("user", id), zap.Error(err))
		}
	}
	return true
}

func (l *Lobby) refuseBanned(c Client, id string) bool {
	if l.deps.Bans == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StoreTimeout)
	defer cancel()

	banned, remaining, reason, err := l.deps.Bans.IsBanned(ctx, id)
	if err != nil {
		l.log.Warn("ban check failed, allowing", zap.String("user", id), zap.Error(err))
		return false
	}
	if !banned {
		return false
	}
	l.send(c, protocol.TypeBanned, protocol.BannedMsg{Duration: remaining, Reason: reason})
	return true
}

func (l *Lobby) refuseLimited(c Client, id string) bool {
	if l.deps.Limiter == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StoreTimeout)
	defer cancel()

	allowed, _ := l.deps.Limiter.Allow(ctx, id, ratelimit.RuleJoin)
	if allowed {
		return false
	}
	retry, err := l.deps.Limiter.RetryAfter(ctx, id, ratelimit.RuleJoin)
	if err != nil {
		retry = int(ratelimit.RuleJoin.Window / time.Second)
	}
	l.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
	return true
}

// lookup fetches the user's trust signals, falling back to a clean new user.
func (l *Lobby) lookup(id string) UserRecord {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.LookupTimeout)
	defer cancel()

	rec, err := l.deps.Recorder.LookupUser(ctx, id)
	if err != nil {
		l.log.Warn("user lookup failed, using defaults", zap.String("user", id), zap.Error(err))
		return UserRecord{ID: id, Trust: matching.TrustNew}
	}
	if rec.AbuseScore < 0 {
		rec.AbuseScore = 0
	}
	rec.Trust = matching.ParseTrustLevel(string(rec.Trust))
	return rec
}

func (l *Lobby) setStatus(id string, state State) {
	if l.deps.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StoreTimeout)
	defer cancel()
	if err := l.deps.Presence.SetStatus(ctx, id, string(state)); err != nil {
		l.log.Warn("presence status failed", zap.String("user", id), zap.Error(err))
	}
}

func (l *Lobby) send(c Client, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		l.log.Error("encode failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := c.Send(data); err != nil {
		l.log.Debug("send failed", zap.String("conn", c.ConnID()), zap.String("type", msgType), zap.Error(err))
	}
}

func (l *Lobby) sendTo(id, msgType string, payload interface{}) bool {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		l.log.Error("encode failed", zap.String("type", msgType), zap.Error(err))
		return false
	}
	return l.router.Send(id, data)
}

func (l *Lobby) sendError(c Client, code, message string) {
	l.send(c, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func toMatchingPreferences(p protocol.Preferences) matching.Preferences {
	out := matching.Preferences{
		Countries: p.Countries,
		Languages: p.Languages,
		Moods:     p.Moods,
	}
	if p.AgeRange != nil {
		out.AgeRange = &matching.AgeRange{Min: p.AgeRange.Min, Max: p.AgeRange.Max}
	}
	return out
}

type nopRecorder struct{}

func (nopRecorder) LookupUser(_ context.Context, id string) (UserRecord, error) {
	return UserRecord{ID: id, Trust: matching.TrustNew}, nil
}
func (nopRecorder) Seen(string)                                   {}
func (nopRecorder) PreferencesSaved(string, matching.Preferences) {}
func (nopRecorder) CallStarted(call.Session)                      {}
func (nopRecorder) CallEnded(call.Session)                        {}
