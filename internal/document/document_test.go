package document

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-collab/internal/errs"
	"github.com/manpreetbhatti/lattice-collab/internal/steplog"
	"github.com/manpreetbhatti/lattice-collab/internal/steps"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

var testKey = store.RoomKey{Namespace: "/some-namespace", Room: "some-room"}

func newTestSync(t *testing.T, opts Options) (*Synchronizer, *store.Store, *store.MemoryBackend) {
	t.Helper()
	backend := store.NewMemoryBackend()
	st := store.New(backend, store.Options{LockDelay: time.Millisecond, LockRetries: 2})
	return New(st, testKey, opts), st, backend
}

func insertText(pos int, text string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"stepType":"replace","from":%d,"to":%d,"slice":{"content":[{"type":"text","text":%q}]}}`, pos, pos, text))
}

func opaqueSteps(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"stepType":"noop","n":%d}`, i))
	}
	return out
}

func seed(t *testing.T, s *Synchronizer, snap Snapshot) {
	t.Helper()
	_, err := s.InitDoc(context.Background(), func(Snapshot) (Snapshot, error) { return snap, nil })
	require.NoError(t, err)
}

func TestGetDoc_DefaultsForNewRoom(t *testing.T) {
	s, _, backend := newTestSync(t, Options{})

	snap, err := s.GetDoc(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Version)
	assert.JSONEq(t, string(DefaultSnapshot().Doc), string(snap.Doc))
	assert.Zero(t, backend.Writes(), "reading never creates state")
}

func TestUpdateDoc_NewVersion(t *testing.T) {
	s, _, _ := newTestSync(t, Options{})
	ctx := context.Background()
	seed(t, s, Snapshot{Version: 3, Doc: json.RawMessage(
		`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Tes"}]}]}`)})

	event, err := s.UpdateDoc(ctx, 3, "123456789", []json.RawMessage{insertText(4, "t"), insertText(5, "!")})
	require.NoError(t, err)

	assert.Equal(t, NewVersion, event.Kind)
	assert.Equal(t, 5, event.Version)
	require.Len(t, event.Steps, 2)
	assert.Equal(t, 4, event.Steps[0].Version)
	assert.Equal(t, 5, event.Steps[1].Version)
	assert.Equal(t, "123456789", event.Steps[1].ClientID)

	snap, err := s.GetDoc(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Version)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Test!"}]}]}`, string(snap.Doc))
}

func TestUpdateDoc_VersionMismatchDoesNotMutate(t *testing.T) {
	s, _, backend := newTestSync(t, Options{Applier: steps.Opaque{}})
	ctx := context.Background()

	_, err := s.UpdateDoc(ctx, 0, "a", opaqueSteps(3))
	require.NoError(t, err)
	before, err := s.GetDoc(ctx)
	require.NoError(t, err)
	logBefore := s.StepsSince(ctx, 0)
	writes := backend.Writes()

	event, err := s.UpdateDoc(ctx, 1, "b", opaqueSteps(2))
	require.NoError(t, err)

	assert.Equal(t, VersionMismatch, event.Kind)
	assert.Equal(t, 1, event.Version)
	require.Len(t, event.Steps, 2)
	assert.Equal(t, 2, event.Steps[0].Version)
	assert.Equal(t, 3, event.Steps[1].Version)

	after, err := s.GetDoc(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, logBefore, s.StepsSince(ctx, 0))
	assert.Equal(t, writes, backend.Writes())
}

func TestUpdateDoc_MismatchAheadOfStored(t *testing.T) {
	s, _, _ := newTestSync(t, Options{Applier: steps.Opaque{}})

	event, err := s.UpdateDoc(context.Background(), 7, "a", opaqueSteps(1))
	require.NoError(t, err)
	assert.Equal(t, VersionMismatch, event.Kind)
	assert.Empty(t, event.Steps)
}

func TestUpdateDoc_ReplayReproducesSnapshot(t *testing.T) {
	s, _, _ := newTestSync(t, Options{})
	ctx := context.Background()

	// "Empty document" ends at position 15.
	version, total := 0, 0
	for i := 0; i < 6; i++ {
		n := i%3 + 1
		batch := make([]json.RawMessage, n)
		for j := range batch {
			batch[j] = insertText(15+total+j, string(rune('a'+j)))
		}
		event, err := s.UpdateDoc(ctx, version, fmt.Sprintf("client-%d", i), batch)
		require.NoError(t, err)
		require.Equal(t, NewVersion, event.Kind)
		version = event.Version
		total += n
	}

	snap, err := s.GetDoc(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, snap.Version, "version counts every applied step")

	replayed, err := Replay(DefaultSnapshot(), s.StepsSince(ctx, 0), steps.NewProseMirror(nil))
	require.NoError(t, err)
	assert.Equal(t, snap.Version, replayed.Version)
	assert.JSONEq(t, string(snap.Doc), string(replayed.Doc))
}

func TestUpdateDoc_EmptyStepsKeepsVersion(t *testing.T) {
	s, _, _ := newTestSync(t, Options{Applier: steps.Opaque{}})

	event, err := s.UpdateDoc(context.Background(), 0, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, NewVersion, event.Kind)
	assert.Equal(t, 0, event.Version)
	assert.Empty(t, event.Steps)
}

func TestUpdateDoc_RetentionBoundsLog(t *testing.T) {
	s, _, _ := newTestSync(t, Options{Applier: steps.Opaque{}, MaxStoredSteps: 3})
	ctx := context.Background()

	for v := 0; v < 5; v++ {
		_, err := s.UpdateDoc(ctx, v, "a", opaqueSteps(1))
		require.NoError(t, err)
	}

	log := s.StepsSince(ctx, 0)
	require.Len(t, log, 3)
	assert.Equal(t, 3, log.Oldest())

	event, err := s.UpdateDoc(ctx, 0, "b", opaqueSteps(1))
	require.NoError(t, err)
	assert.Equal(t, VersionMismatch, event.Kind)
	assert.Len(t, event.Steps, 3, "evicted records are no longer replayable")
}

func TestUpdateDoc_LockTimeoutWritesNothing(t *testing.T) {
	s, st, backend := newTestSync(t, Options{Applier: steps.Opaque{}})
	ctx := context.Background()

	held, err := st.Lock(ctx, testKey)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = s.UpdateDoc(ctx, 0, "a", opaqueSteps(2))
	require.Error(t, err)
	assert.True(t, errs.IsLockTimeout(err))
	assert.Zero(t, backend.Writes())
}

func TestUpdateDoc_ApplyFailureReleasesLock(t *testing.T) {
	s, _, backend := newTestSync(t, Options{})
	ctx := context.Background()

	_, err := s.UpdateDoc(ctx, 0, "a", []json.RawMessage{json.RawMessage(`{"stepType":"bogus"}`)})
	require.Error(t, err)
	assert.Equal(t, errs.Unknown, errs.CodeOf(err))
	assert.ErrorIs(t, err, steps.ErrUnsupportedStep)
	assert.False(t, backend.Locked(testKey))
	assert.Zero(t, backend.Writes())

	snap, err := s.GetDoc(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Version)
}

func TestInitDoc_TransformErrorWritesNothing(t *testing.T) {
	s, _, backend := newTestSync(t, Options{})

	reject := errs.Reject("initDoc", testKey.String(), nil)
	_, err := s.InitDoc(context.Background(), func(Snapshot) (Snapshot, error) { return Snapshot{}, reject })
	require.Error(t, err)
	assert.True(t, errs.IsHookRejected(err))
	assert.Zero(t, backend.Writes())
	assert.False(t, backend.Locked(testKey))
}

func TestInitDoc_PassthroughPersistsDefault(t *testing.T) {
	s, _, backend := newTestSync(t, Options{})

	snap, err := s.InitDoc(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Version)
	assert.Equal(t, 1, backend.Writes())
}

func TestReplay_DetectsGap(t *testing.T) {
	log := steplog.Log{}.Append(0, "a", opaqueSteps(5), 2)

	_, err := Replay(DefaultSnapshot(), log, steps.Opaque{})
	assert.Error(t, err)

	snap, err := Replay(Snapshot{Version: 3, Doc: DefaultSnapshot().Doc}, log, steps.Opaque{})
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Version)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "NewVersion", NewVersion.String())
	assert.Equal(t, "VersionMismatch", VersionMismatch.String())
}
