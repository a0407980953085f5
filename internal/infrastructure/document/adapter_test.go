package document

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		ops  []collab.Operation
		want string
	}{
		{
			name: "insert object member",
			doc:  `{"text":""}`,
			ops:  []collab.Operation{{Kind: collab.OperationInsert, Path: "/title", Value: json.RawMessage(`"Saga"`)}},
			want: `{"text":"","title":"Saga"}`,
		},
		{
			name: "insert into array shifts",
			doc:  `{"scenes":["a","c"]}`,
			ops:  []collab.Operation{{Kind: collab.OperationInsert, Path: "/scenes/1", Value: json.RawMessage(`"b"`)}},
			want: `{"scenes":["a","b","c"]}`,
		},
		{
			name: "append to array",
			doc:  `{"scenes":["a"]}`,
			ops:  []collab.Operation{{Kind: collab.OperationInsert, Path: "/scenes/-", Value: json.RawMessage(`"z"`)}},
			want: `{"scenes":["a","z"]}`,
		},
		{
			name: "replace and remove in order",
			doc:  `{"text":"hello","draft":true}`,
			ops: []collab.Operation{
				{Kind: collab.OperationReplace, Path: "/text", Value: json.RawMessage(`"hi"`), PreviousValue: json.RawMessage(`"hello"`)},
				{Kind: collab.OperationRemove, Path: "/draft"},
			},
			want: `{"text":"hi"}`,
		},
		{
			name: "replace root",
			doc:  `{"old":1}`,
			ops:  []collab.Operation{{Kind: collab.OperationReplace, Path: "", Value: json.RawMessage(`{"new":2}`)}},
			want: `{"new":2}`,
		},
		{
			name: "empty document",
			doc:  ``,
			ops:  []collab.Operation{{Kind: collab.OperationInsert, Path: "/a", Value: json.RawMessage(`1`)}},
			want: `{"a":1}`,
		},
		{
			name: "no operations",
			doc:  `{"a":1}`,
			ops:  nil,
			want: `{"a":1}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(json.RawMessage(tt.doc), tt.ops)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestApply_Errors(t *testing.T) {
	_, err := Apply(json.RawMessage(`{}`), []collab.Operation{{Kind: collab.OperationRemove, Path: "/missing"}})
	assert.ErrorIs(t, err, ErrPatchFailed)

	_, err = Apply(json.RawMessage(`{}`), []collab.Operation{{Kind: collab.OperationRemove, Path: ""}})
	assert.ErrorIs(t, err, ErrPatchFailed)

	_, err = Apply(json.RawMessage(`{}`), []collab.Operation{{Kind: "move", Path: "/a"}})
	assert.ErrorIs(t, err, collab.ErrInvalidOperation)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	doc := json.RawMessage(`{"text":"a"}`)
	before := string(doc)
	_, err := Apply(doc, []collab.Operation{{Kind: collab.OperationReplace, Path: "/text", Value: json.RawMessage(`"b"`)}})
	require.NoError(t, err)
	assert.Equal(t, before, string(doc))
}

func TestAdapter_LoadDocument(t *testing.T) {
	store := NewMemoryStore()
	adapter := NewAdapter(store, zerolog.Nop())
	ctx := context.Background()

	snap, err := adapter.LoadDocument(ctx, "art-new")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version)
	assert.Equal(t, "art-new", snap.ArtifactID)
	assert.JSONEq(t, `{}`, string(snap.Document))

	store.Seed("art-1", collab.Snapshot{Document: json.RawMessage(`{"text":"x"}`), Version: 4})
	snap, err = adapter.LoadDocument(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
	assert.JSONEq(t, `{"text":"x"}`, string(snap.Document))
}

func TestAdapter_ApplyOperations(t *testing.T) {
	store := NewMemoryStore()
	adapter := NewAdapter(store, zerolog.Nop())
	ctx := context.Background()

	current, err := adapter.LoadDocument(ctx, "art-1")
	require.NoError(t, err)

	next, err := adapter.ApplyOperations(ctx, current, []collab.Operation{
		{Kind: collab.OperationInsert, Path: "/text", Value: json.RawMessage(`"hi"`)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Version)
	assert.JSONEq(t, `{"text":"hi"}`, string(next.Document))

	stored, found, err := store.Load(ctx, "art-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), stored.Version)

	// the snapshot at v0 is stale now
	_, err = adapter.ApplyOperations(ctx, current, []collab.Operation{
		{Kind: collab.OperationInsert, Path: "/other", Value: json.RawMessage(`1`)},
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	// a failed patch does not touch the store
	_, err = adapter.ApplyOperations(ctx, next, []collab.Operation{{Kind: collab.OperationRemove, Path: "/nope"}})
	assert.ErrorIs(t, err, ErrPatchFailed)
	stored, _, _ = store.Load(ctx, "art-1")
	assert.Equal(t, int64(1), stored.Version)

	_, err = adapter.ApplyOperations(ctx, collab.Snapshot{Document: json.RawMessage(`{}`)}, nil)
	assert.ErrorIs(t, err, collab.ErrInvalidArgument)
}
