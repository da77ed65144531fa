package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hedgedoc/collab-core/internal/collab/collabapi"
	"github.com/hedgedoc/collab-core/internal/collab/docsync"
	"github.com/hedgedoc/collab-core/internal/collab/note"
	"github.com/hedgedoc/collab-core/internal/collab/wire"
)

// fakeDocument/fakeAwareness are minimal CRDT stand-ins satisfying
// docsync.CRDTDocument/CRDTAwareness, scoped to this package's tests
// since docsync's own fakes are unexported there.
type fakeDocument struct {
	text      []byte
	listener  func([]byte)
	destroyed bool
}

func (f *fakeDocument) InsertText(_ string, offset int, text string) error {
	out := append(append([]byte(nil), f.text[:offset]...), text...)
	out = append(out, f.text[offset:]...)
	f.text = out
	if f.listener != nil {
		f.listener([]byte(text))
	}
	return nil
}

func (f *fakeDocument) ApplySyncMessage(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return append([]byte(nil), f.text...), nil
	}
	return nil, nil
}

func (f *fakeDocument) OnUpdate(l func([]byte)) { f.listener = l }
func (f *fakeDocument) Destroy()                { f.destroyed = true }

type fakeAwareness struct {
	destroyed bool
}

func (f *fakeAwareness) ApplyUpdate([]byte) error                         { return nil }
func (f *fakeAwareness) OnChange(func(added, updated, removed []uint64))  {}
func (f *fakeAwareness) RemoveStates([]uint64)                           {}
func (f *fakeAwareness) EncodeUpdate([]uint64) []byte                    { return nil }
func (f *fakeAwareness) ClearLocalState()                                {}
func (f *fakeAwareness) Destroy()                                        { f.destroyed = true }

func newFakeCRDT(initialText string) (*fakeDocument, *fakeAwareness) {
	return &fakeDocument{text: []byte(initialText)}, &fakeAwareness{}
}

// fakeNoteService counts Content calls and introduces an artificial
// delay, mirroring spec §8's "artificial delay in NoteService.content"
// concurrent-create property test setup.
type fakeNoteService struct {
	contentCalls int32
	delay        time.Duration
	text         string
}

func (f *fakeNoteService) Resolve(_ context.Context, urlPath string) (collabapi.Note, error) {
	return collabapi.Note{ID: urlPath, Field: "body"}, nil
}

func (f *fakeNoteService) Content(_ context.Context, _ collabapi.Note) (string, error) {
	atomic.AddInt32(&f.contentCalls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.text, nil
}

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), payload...))
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func testFactory(text string) DocumentFactory {
	return func(_ context.Context, _ string) (docsync.CRDTDocument, docsync.CRDTAwareness, error) {
		doc, aw := newFakeCRDT(text)
		return doc, aw, nil
	}
}

func TestSessionUniquenessUnderConcurrentConnect(t *testing.T) {
	t.Parallel()

	notes := &fakeNoteService{delay: 20 * time.Millisecond, text: "hello"}
	r := New(notes, testFactory(""), "body", zap.NewNop(), NewMetrics(prometheus.NewRegistry()))

	const n = 50
	var wg sync.WaitGroup
	ptrs := make([]interface{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), "note-x")
			require.NoError(t, err)
			ptrs[idx] = s
		}(i)
	}
	wg.Wait()

	first := ptrs[0]
	for _, p := range ptrs {
		assert.Same(t, first, p, "all concurrent GetOrCreate calls must return the same session")
	}
	assert.EqualValues(t, 1, notes.contentCalls, "content must be fetched exactly once")
}

func TestSessionLifetimeRemovedAfterLastDisconnect(t *testing.T) {
	t.Parallel()

	notes := &fakeNoteService{text: "hello"}
	r := New(notes, testFactory(""), "body", zap.NewNop(), NewMetrics(prometheus.NewRegistry()))

	_, err := r.Connect(context.Background(), "note-y", "connA", &fakeSender{})
	require.NoError(t, err)

	_, ok := r.Lookup("note-y")
	assert.True(t, ok)

	r.Disconnect("connA")

	_, ok = r.Lookup("note-y")
	assert.False(t, ok, "session must be removed once its last connection detaches")
	assert.EqualValues(t, 1, notes.contentCalls, "content must be fetched exactly once across the connection's lifetime")
}

func TestInitialContentSeedObservedOnFirstSync(t *testing.T) {
	t.Parallel()

	notes := &fakeNoteService{text: "hello"}
	r := New(notes, testFactory(""), "body", zap.NewNop(), NewMetrics(prometheus.NewRegistry()))

	sender := &fakeSender{}
	_, err := r.Connect(context.Background(), "note-z", "connA", sender)
	require.NoError(t, err)

	require.NoError(t, r.Dispatch("connA", wire.EncodeSyncFrame(nil)))

	require.Equal(t, 1, sender.count())
	typ, rd, err := wire.DecodeFrame(sender.frames[0])
	require.NoError(t, err)
	assert.Equal(t, wire.MessageSync, typ)
	payload := make([]byte, rd.Len())
	_, _ = rd.Read(payload)
	assert.Equal(t, "hello", string(payload))
}

func TestDispatchDropsFrameForUnknownConnection(t *testing.T) {
	t.Parallel()

	notes := &fakeNoteService{}
	r := New(notes, testFactory(""), "body", zap.NewNop(), NewMetrics(prometheus.NewRegistry()))

	err := r.Dispatch("ghost", wire.EncodeSyncFrame(nil))
	assert.NoError(t, err)
}

func TestConcurrentCreateFiftyConnectsOneSession(t *testing.T) {
	t.Parallel()

	notes := &fakeNoteService{delay: 100 * time.Millisecond, text: "seed"}
	r := New(notes, testFactory(""), "body", zap.NewNop(), NewMetrics(prometheus.NewRegistry()))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := r.Connect(context.Background(), "note-concurrent", idx, &fakeSender{})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	s, ok := r.Lookup("note-concurrent")
	require.True(t, ok)
	assert.Equal(t, n, s.ConnectionCount())
	assert.EqualValues(t, 1, notes.contentCalls)
}

func TestShutdownDestroysAllSessions(t *testing.T) {
	t.Parallel()

	notes := &fakeNoteService{text: "hello"}
	r := New(notes, testFactory("hello"), "body", zap.NewNop(), NewMetrics(prometheus.NewRegistry()))

	sa, err := r.Connect(context.Background(), "note-a", "connA", &fakeSender{})
	require.NoError(t, err)
	sb, err := r.Connect(context.Background(), "note-b", "connB", &fakeSender{})
	require.NoError(t, err)

	r.Shutdown(context.Background())

	_, ok := r.Lookup("note-a")
	assert.False(t, ok)
	_, ok = r.Lookup("note-b")
	assert.False(t, ok)
	assert.Equal(t, note.StateDestroyed, sa.State())
	assert.Equal(t, note.StateDestroyed, sb.State())
}
