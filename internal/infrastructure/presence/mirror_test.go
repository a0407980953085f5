package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
)

func newTestMirror(t *testing.T, opts Options) (*Mirror, *miniredis.Miniredis, *clockwork.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	opts.Clock = clock
	return NewMirror(rdb, opts, zerolog.Nop()), mr, clock
}

func presenceEvent(sessionID, participantID string, cursors ...collab.Cursor) collab.Event {
	return collab.Event{
		Type:          collab.EventPresenceUpdated,
		SessionID:     sessionID,
		ArtifactID:    "artifact-1",
		ParticipantID: participantID,
		Cursors:       cursors,
	}
}

func TestMirror_StoresLatestCursors(t *testing.T) {
	m, _, _ := newTestMirror(t, Options{TTL: time.Minute})
	ctx := context.Background()
	block := "b1"
	offset := 4

	require.NoError(t, m.apply(ctx, presenceEvent("s1", "bob")))
	require.NoError(t, m.apply(ctx, presenceEvent("s1", "alice", collab.Cursor{ArtifactID: "artifact-1"})))
	require.NoError(t, m.apply(ctx, presenceEvent("s1", "alice", collab.Cursor{ArtifactID: "artifact-1", BlockID: &block, Offset: &offset})))

	got, err := m.Participants(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].ParticipantID)
	require.Len(t, got[0].Cursors, 1)
	assert.Equal(t, "b1", *got[0].Cursors[0].BlockID)
	assert.Equal(t, 4, *got[0].Cursors[0].Offset)
	assert.Equal(t, "bob", got[1].ParticipantID)
	assert.Empty(t, got[1].Cursors)

	other, err := m.Participants(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMirror_ExpiresStaleParticipants(t *testing.T) {
	m, mr, clock := newTestMirror(t, Options{TTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, m.apply(ctx, presenceEvent("s1", "alice")))
	clock.Advance(40 * time.Second)
	require.NoError(t, m.apply(ctx, presenceEvent("s1", "bob")))
	clock.Advance(30 * time.Second)

	got, err := m.Participants(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].ParticipantID)
	fields, err := mr.HKeys(cursorsKey("s1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, fields)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(membersKey("s1")))
}

func TestMirror_SessionClosedClearsKeys(t *testing.T) {
	m, mr, _ := newTestMirror(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.apply(ctx, presenceEvent("s1", "alice")))
	require.True(t, mr.Exists(membersKey("s1")))

	require.NoError(t, m.apply(ctx, collab.Event{Type: collab.EventSessionClosed, SessionID: "s1"}))
	assert.False(t, mr.Exists(membersKey("s1")))
	assert.False(t, mr.Exists(cursorsKey("s1")))
}

func TestMirror_ObserveAsync(t *testing.T) {
	m, _, _ := newTestMirror(t, Options{})
	m.Start()
	defer m.Close()

	m.Observe(collab.Event{Type: collab.EventPatchApplied, SessionID: "s1"})
	m.Observe(presenceEvent("s1", "alice"))

	assert.Eventually(t, func() bool {
		got, err := m.Participants(context.Background(), "s1")
		return err == nil && len(got) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMirror_ObserveDropsWhenFull(t *testing.T) {
	m, _, _ := newTestMirror(t, Options{QueueSize: 1})

	m.Observe(presenceEvent("s1", "alice"))
	m.Observe(presenceEvent("s1", "bob"))
	assert.Len(t, m.events, 1)

	m.Start()
	m.Close()
	got, err := m.Participants(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].ParticipantID)

	m.Observe(presenceEvent("s1", "carol"))
	assert.Empty(t, m.events)
}
