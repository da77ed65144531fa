package note

import (
	"bytes"
	"fmt"
)

// fakeDocument and fakeAwareness are note-package-local stand-ins for
// the external CRDT engine, mirroring the fakes in docsync's own tests
// but kept package-private here since docsync's are unexported.

type fakeDocument struct {
	text      []byte
	listener  func(update []byte)
	destroyed bool
}

func newFakeDocument() *fakeDocument { return &fakeDocument{} }

func (f *fakeDocument) InsertText(_ string, offset int, text string) error {
	if offset > len(f.text) {
		return fmt.Errorf("offset %d out of range (len %d)", offset, len(f.text))
	}
	out := make([]byte, 0, len(f.text)+len(text))
	out = append(out, f.text[:offset]...)
	out = append(out, text...)
	out = append(out, f.text[offset:]...)
	f.text = out
	if f.listener != nil {
		f.listener([]byte(text))
	}
	return nil
}

// ApplySyncMessage: empty payload is a step-1 request answered with the
// full text as step-2; "insert:<offset>:<text>" applies an update.
func (f *fakeDocument) ApplySyncMessage(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return append([]byte(nil), f.text...), nil
	}
	if bytes.HasPrefix(payload, []byte("insert:")) {
		rest := payload[len("insert:"):]
		idx := bytes.IndexByte(rest, ':')
		if idx < 0 {
			return nil, fmt.Errorf("malformed insert payload")
		}
		var offset int
		if _, err := fmt.Sscanf(string(rest[:idx]), "%d", &offset); err != nil {
			return nil, err
		}
		text := string(rest[idx+1:])
		return nil, f.InsertText("body", offset, text)
	}
	return nil, nil
}

func (f *fakeDocument) OnUpdate(listener func(update []byte)) { f.listener = listener }
func (f *fakeDocument) Destroy()                               { f.destroyed = true }

type fakeAwareness struct {
	states     map[uint64][]byte
	listener   func(added, updated, removed []uint64)
	localUnset bool
	destroyed  bool
}

func newFakeAwareness() *fakeAwareness { return &fakeAwareness{states: make(map[uint64][]byte)} }

// ApplyUpdate parses "id:data;id:data;..." pairs, classifying each ID
// as added or updated depending on prior existence.
func (f *fakeAwareness) ApplyUpdate(payload []byte) error {
	var added, updated []uint64
	for _, part := range bytes.Split(payload, []byte(";")) {
		if len(part) == 0 {
			continue
		}
		idx := bytes.IndexByte(part, ':')
		if idx < 0 {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(string(part[:idx]), "%d", &id); err != nil {
			continue
		}
		if _, exists := f.states[id]; exists {
			updated = append(updated, id)
		} else {
			added = append(added, id)
		}
		f.states[id] = append([]byte(nil), part[idx+1:]...)
	}
	if f.listener != nil && (len(added) > 0 || len(updated) > 0) {
		f.listener(added, updated, nil)
	}
	return nil
}

func (f *fakeAwareness) OnChange(listener func(added, updated, removed []uint64)) { f.listener = listener }

func (f *fakeAwareness) RemoveStates(ids []uint64) {
	var removed []uint64
	for _, id := range ids {
		if _, ok := f.states[id]; ok {
			delete(f.states, id)
			removed = append(removed, id)
		}
	}
	if f.listener != nil && len(removed) > 0 {
		f.listener(nil, nil, removed)
	}
}

func (f *fakeAwareness) EncodeUpdate(ids []uint64) []byte {
	var buf bytes.Buffer
	for _, id := range ids {
		fmt.Fprintf(&buf, "%d:%s;", id, f.states[id])
	}
	return buf.Bytes()
}

func (f *fakeAwareness) ClearLocalState() { f.localUnset = true }
func (f *fakeAwareness) Destroy()         { f.destroyed = true }

// fakeSender records every frame sent to it, for assertions, and can
// simulate a full/closed connection by returning an error.
type fakeSender struct {
	frames [][]byte
	failErr error
}

func (s *fakeSender) Send(payload []byte) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.frames = append(s.frames, append([]byte(nil), payload...))
	return nil
}
