package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
)

const (
	DefaultTTL       = 2 * time.Minute
	defaultQueueSize = 256
	writeTimeout     = 2 * time.Second
)

// Key layout:
//   - membersKey: ZSET participantId -> expireAt (unix millis)
//   - cursorsKey: HASH participantId -> Participant JSON
func membersKey(sessionID string) string { return "collab:presence:" + sessionID + ":members" }
func cursorsKey(sessionID string) string { return "collab:presence:" + sessionID + ":cursors" }

// pruneScript drops members whose expireAt <= now together with their cursors.
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// Participant is the last known presence of one participant.
type Participant struct {
	ParticipantID string          `json:"participantId"`
	Cursors       []collab.Cursor `json:"cursors"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type Options struct {
	TTL       time.Duration
	QueueSize int
	Clock     clockwork.Clock
}

// Mirror copies presence events into Redis so other processes can read who is
// in a session. It consumes gateway events asynchronously; an overflowing
// queue drops events.
type Mirror struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	clock  clockwork.Clock
	logger zerolog.Logger

	events chan collab.Event
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewMirror(rdb redis.UniversalClient, opts Options, logger zerolog.Logger) *Mirror {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Mirror{
		rdb:    rdb,
		ttl:    opts.TTL,
		clock:  opts.Clock,
		logger: logger.With().Str("component", "presence_mirror").Logger(),
		events: make(chan collab.Event, opts.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (m *Mirror) Start() {
	m.wg.Add(1)
	go m.run()
}

// Close stops the writer after draining queued events.
func (m *Mirror) Close() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Observe is a gateway listener. It never blocks.
func (m *Mirror) Observe(evt collab.Event) {
	if evt.Type != collab.EventPresenceUpdated && evt.Type != collab.EventSessionClosed {
		return
	}
	select {
	case <-m.stop:
		return
	default:
	}
	select {
	case m.events <- evt:
	default:
		m.logger.Warn().Str("session_id", evt.SessionID).Str("type", string(evt.Type)).Msg("presence queue full; event dropped")
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case evt := <-m.events:
			m.write(evt)
		case <-m.stop:
			for {
				select {
				case evt := <-m.events:
					m.write(evt)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) write(evt collab.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.apply(ctx, evt); err != nil {
		m.logger.Error().Err(err).Str("session_id", evt.SessionID).Str("type", string(evt.Type)).Msg("mirror presence failed")
	}
}

func (m *Mirror) apply(ctx context.Context, evt collab.Event) error {
	switch evt.Type {
	case collab.EventPresenceUpdated:
		updatedAt := evt.OccurredAt
		if updatedAt.IsZero() {
			updatedAt = m.clock.Now().UTC()
		}
		cursors := evt.Cursors
		if cursors == nil {
			cursors = []collab.Cursor{}
		}
		payload, err := json.Marshal(Participant{ParticipantID: evt.ParticipantID, Cursors: cursors, UpdatedAt: updatedAt})
		if err != nil {
			return err
		}
		expireAt := m.clock.Now().Add(m.ttl).UnixMilli()
		tx := m.rdb.TxPipeline()
		tx.ZAdd(ctx, membersKey(evt.SessionID), redis.Z{Score: float64(expireAt), Member: evt.ParticipantID})
		tx.HSet(ctx, cursorsKey(evt.SessionID), evt.ParticipantID, payload)
		tx.Expire(ctx, membersKey(evt.SessionID), m.ttl)
		tx.Expire(ctx, cursorsKey(evt.SessionID), m.ttl)
		if _, err := tx.Exec(ctx); err != nil {
			return fmt.Errorf("store presence: %w", err)
		}
	case collab.EventSessionClosed:
		if err := m.rdb.Del(ctx, membersKey(evt.SessionID), cursorsKey(evt.SessionID)).Err(); err != nil {
			return fmt.Errorf("clear presence: %w", err)
		}
	}
	return nil
}

// Participants returns the unexpired participants of a session ordered by id.
func (m *Mirror) Participants(ctx context.Context, sessionID string) ([]Participant, error) {
	now := strconv.FormatInt(m.clock.Now().UnixMilli(), 10)
	keys := []string{membersKey(sessionID), cursorsKey(sessionID)}
	if err := pruneScript.Run(ctx, m.rdb, keys, now).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("prune presence: %w", err)
	}

	ids, err := m.rdb.ZRangeByScore(ctx, membersKey(sessionID), &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if len(ids) == 0 {
		return []Participant{}, nil
	}
	values, err := m.rdb.HMGet(ctx, cursorsKey(sessionID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}

	out := make([]Participant, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Str("participant_id", ids[i]).Msg("skip unreadable presence")
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}
