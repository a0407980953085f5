package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
)

// DefaultIdleTimeout closes sessions without join, presence or patch activity.
const DefaultIdleTimeout = 5 * time.Minute

// Options tunes a Gateway.
type Options struct {
	IdleTimeout time.Duration
	Clock       clockwork.Clock
}

// Gateway owns every active collaboration session of the process.
type Gateway struct {
	adapter     collab.DocumentAdapter
	clock       clockwork.Clock
	idleTimeout time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	joins    singleflight.Group

	listenersMu  sync.RWMutex
	listeners    map[uint64]collab.Listener
	nextListener uint64
}

type entry struct {
	// session, closed, timer and idleGen are guarded by Gateway.mu.
	session collab.Session
	closed  bool
	timer   clockwork.Timer
	idleGen uint64

	// patches serializes ApplyPatch for this session.
	patches *semaphore.Weighted
	// emitMu is taken while Gateway.mu is held so events leave in transition order.
	emitMu sync.Mutex
}

// NewGateway creates a gateway backed by adapter.
func NewGateway(adapter collab.DocumentAdapter, opts Options, logger zerolog.Logger) *Gateway {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Gateway{
		adapter:     adapter,
		clock:       opts.Clock,
		idleTimeout: opts.IdleTimeout,
		logger:      logger.With().Str("component", "gateway").Logger(),
		sessions:    make(map[string]*entry),
		listeners:   make(map[uint64]collab.Listener),
	}
}

// Subscribe registers l for every future event. The returned func removes it.
// Listeners run synchronously and must not call back into the gateway.
func (g *Gateway) Subscribe(l collab.Listener) func() {
	g.listenersMu.Lock()
	id := g.nextListener
	g.nextListener++
	g.listeners[id] = l
	g.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.listenersMu.Lock()
			delete(g.listeners, id)
			g.listenersMu.Unlock()
		})
	}
}

// JoinSession returns the session, creating it from the adapter on first join.
// Concurrent first joins of one session id share a single document load.
func (g *Gateway) JoinSession(ctx context.Context, sessionID, artifactID string) (collab.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	artifactID = strings.TrimSpace(artifactID)
	if sessionID == "" || artifactID == "" {
		return collab.Session{}, fmt.Errorf("%w: session_id and artifact_id are required", collab.ErrInvalidArgument)
	}

	if s, ok := g.touch(sessionID, artifactID); ok {
		return s, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := g.joins.Do(sessionID, func() (interface{}, error) {
		if s, ok := g.touch(sessionID, artifactID); ok {
			return s, nil
		}
		return g.create(loadCtx, sessionID, artifactID)
	})
	if err != nil {
		return collab.Session{}, err
	}
	return v.(collab.Session), nil
}

func (g *Gateway) touch(sessionID, artifactID string) (collab.Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.sessions[sessionID]
	if !ok {
		return collab.Session{}, false
	}
	if e.session.ArtifactID != artifactID {
		g.logger.Warn().
			Str("session_id", sessionID).
			Str("artifact_id", e.session.ArtifactID).
			Str("requested_artifact_id", artifactID).
			Msg("join requested a different artifact; keeping the session's artifact")
	}
	g.resetIdleLocked(sessionID, e)
	return e.session, true
}

func (g *Gateway) create(ctx context.Context, sessionID, artifactID string) (collab.Session, error) {
	snap, err := g.adapter.LoadDocument(ctx, artifactID)
	if err != nil {
		g.logger.Error().Err(err).Str("session_id", sessionID).Str("artifact_id", artifactID).Msg("load document failed")
		return collab.Session{}, fmt.Errorf("load document %s: %w", artifactID, err)
	}

	e := &entry{
		session: collab.Session{
			ID:         sessionID,
			ArtifactID: artifactID,
			Version:    snap.Version,
			State:      snap.Document,
		},
		patches: semaphore.NewWeighted(1),
	}

	g.mu.Lock()
	g.sessions[sessionID] = e
	g.resetIdleLocked(sessionID, e)
	out := e.session
	e.emitMu.Lock()
	g.mu.Unlock()

	g.logger.Info().Str("session_id", sessionID).Str("artifact_id", artifactID).Int64("version", out.Version).Msg("session created")
	version := out.Version
	g.emit(collab.Event{
		Type:       collab.EventSessionCreated,
		SessionID:  sessionID,
		ArtifactID: artifactID,
		Version:    &version,
	})
	e.emitMu.Unlock()
	return out, nil
}

// PresenceInput replaces the cursor set of one participant.
type PresenceInput struct {
	SessionID     string
	ParticipantID string
	Cursors       []collab.Cursor
}

// UpsertPresence broadcasts a participant's cursors. It never touches the document.
func (g *Gateway) UpsertPresence(ctx context.Context, in PresenceInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	e, ok := g.sessions[in.SessionID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", collab.ErrSessionNotActive, in.SessionID)
	}
	g.resetIdleLocked(in.SessionID, e)
	artifactID := e.session.ArtifactID
	e.emitMu.Lock()
	g.mu.Unlock()

	cursors := in.Cursors
	if cursors == nil {
		cursors = []collab.Cursor{}
	}
	g.emit(collab.Event{
		Type:          collab.EventPresenceUpdated,
		SessionID:     in.SessionID,
		ArtifactID:    artifactID,
		ParticipantID: in.ParticipantID,
		Cursors:       cursors,
	})
	e.emitMu.Unlock()
	return nil
}

// PatchInput is an ordered batch of operations from one participant.
type PatchInput struct {
	SessionID     string
	ParticipantID string
	Operations    []collab.Operation
}

// ApplyPatch runs one version transition through the adapter.
// Patches of one session are applied strictly one after another.
func (g *Gateway) ApplyPatch(ctx context.Context, in PatchInput) (collab.Session, error) {
	g.mu.Lock()
	e, ok := g.sessions[in.SessionID]
	g.mu.Unlock()
	if !ok {
		return collab.Session{}, fmt.Errorf("%w: %s", collab.ErrSessionNotActive, in.SessionID)
	}

	if err := e.patches.Acquire(ctx, 1); err != nil {
		return collab.Session{}, err
	}
	defer e.patches.Release(1)

	g.mu.Lock()
	if e.closed {
		g.mu.Unlock()
		return collab.Session{}, fmt.Errorf("%w: %s", collab.ErrSessionNotActive, in.SessionID)
	}
	current := collab.Snapshot{ArtifactID: e.session.ArtifactID, Document: e.session.State, Version: e.session.Version}
	g.mu.Unlock()

	next, err := g.adapter.ApplyOperations(ctx, current, in.Operations)
	if err != nil {
		g.logger.Warn().Err(err).
			Str("session_id", in.SessionID).
			Str("participant_id", in.ParticipantID).
			Int64("version", current.Version).
			Msg("apply operations failed")
		return collab.Session{}, fmt.Errorf("apply patch: %w", err)
	}

	g.mu.Lock()
	if e.closed {
		g.mu.Unlock()
		g.logger.Warn().Str("session_id", in.SessionID).Int64("version", next.Version).Msg("session closed while patch was applied; result not broadcast")
		return collab.Session{}, fmt.Errorf("%w: %s reached version %d; rejoin to continue: %w",
			collab.ErrSessionClosedAfterApply, in.SessionID, next.Version, collab.ErrSessionNotActive)
	}
	e.session.State = next.Document
	e.session.Version = next.Version
	g.resetIdleLocked(in.SessionID, e)
	out := e.session
	e.emitMu.Lock()
	g.mu.Unlock()

	version := out.Version
	g.emit(collab.Event{
		Type:          collab.EventPatchApplied,
		SessionID:     in.SessionID,
		ArtifactID:    out.ArtifactID,
		ParticipantID: in.ParticipantID,
		Operations:    in.Operations,
		Version:       &version,
	})
	e.emitMu.Unlock()
	return out, nil
}

// CloseSession removes the session. Unknown ids are ignored.
func (g *Gateway) CloseSession(sessionID string) {
	g.closeWhere(sessionID, func(*entry) bool { return true })
}

// closeWhere closes the session if match approves its current entry.
func (g *Gateway) closeWhere(sessionID string, match func(*entry) bool) bool {
	g.mu.Lock()
	e, ok := g.sessions[sessionID]
	if !ok || !match(e) {
		g.mu.Unlock()
		return false
	}
	g.closeLocked(sessionID, e)
	artifactID := e.session.ArtifactID
	version := e.session.Version
	e.emitMu.Lock()
	g.mu.Unlock()

	g.logger.Info().Str("session_id", sessionID).Int64("version", version).Msg("session closed")
	g.emit(collab.Event{
		Type:       collab.EventSessionClosed,
		SessionID:  sessionID,
		ArtifactID: artifactID,
		Version:    &version,
	})
	e.emitMu.Unlock()
	return true
}

func (g *Gateway) closeLocked(sessionID string, e *entry) {
	delete(g.sessions, sessionID)
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Session returns a copy of an active session.
func (g *Gateway) Session(sessionID string) (collab.Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.sessions[sessionID]
	if !ok {
		return collab.Session{}, false
	}
	return e.session, true
}

// Sessions lists active sessions ordered by id.
func (g *Gateway) Sessions() []collab.Session {
	g.mu.Lock()
	out := make([]collab.Session, 0, len(g.sessions))
	for _, e := range g.sessions {
		out = append(out, e.session)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every idle timer. Sessions stay readable but will not expire.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.sessions {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.idleGen++
	}
}

func (g *Gateway) resetIdleLocked(sessionID string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.idleGen++
	gen := e.idleGen
	e.timer = g.clock.AfterFunc(g.idleTimeout, func() {
		g.expire(sessionID, e, gen)
	})
}

func (g *Gateway) expire(sessionID string, e *entry, gen uint64) {
	closed := g.closeWhere(sessionID, func(current *entry) bool {
		return current == e && current.idleGen == gen
	})
	if closed {
		g.logger.Info().Str("session_id", sessionID).Dur("idle_timeout", g.idleTimeout).Msg("idle session expired")
	}
}

func (g *Gateway) emit(evt collab.Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = g.clock.Now().UTC()
	}
	g.listenersMu.RLock()
	ids := make([]uint64, 0, len(g.listeners))
	for id := range g.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ls := make([]collab.Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, g.listeners[id])
	}
	g.listenersMu.RUnlock()

	for _, l := range ls {
		l(evt)
	}
}

// IsSessionNotActive reports whether err means the session is unknown or closed.
func IsSessionNotActive(err error) bool {
	return errors.Is(err, collab.ErrSessionNotActive)
}
