package docsync

import (
	"bytes"
	"fmt"
)

// fakeDocument is a minimal in-memory stand-in for the external CRDT
// document engine, used to exercise DocumentReplica's origin-tagging
// and fan-out bookkeeping without a real CRDT dependency. Encodes
// "updates" as the literal inserted text for assertion simplicity.
type fakeDocument struct {
	text     []byte
	listener func(update []byte)
	destroyed bool
}

func newFakeDocument() *fakeDocument {
	return &fakeDocument{}
}

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

// ApplySyncMessage treats an empty payload as "step1" requesting a
// full-state reply, and an "insert:<offset>:<text>" payload as an
// update appending text at offset, notifying the update listener.
func (f *fakeDocument) ApplySyncMessage(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		// step-1: reply with the full current text as "step-2".
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

func (f *fakeDocument) OnUpdate(listener func(update []byte)) {
	f.listener = listener
}

func (f *fakeDocument) Destroy() {
	f.destroyed = true
}

// fakeAwareness is a minimal in-memory stand-in for the external CRDT
// awareness engine.
type fakeAwareness struct {
	states    map[uint64][]byte
	listener  func(added, updated, removed []uint64)
	localUnset bool
	destroyed  bool
}

func newFakeAwareness() *fakeAwareness {
	return &fakeAwareness{states: make(map[uint64][]byte)}
}

func (f *fakeAwareness) ApplyUpdate(payload []byte) error {
	// payload format for the fake: "id:data" pairs separated by ';'
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
		_, err := fmt.Sscanf(string(part[:idx]), "%d", &id)
		if err != nil {
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

func (f *fakeAwareness) OnChange(listener func(added, updated, removed []uint64)) {
	f.listener = listener
}

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

func (f *fakeAwareness) ClearLocalState() {
	f.localUnset = true
}

func (f *fakeAwareness) Destroy() {
	f.destroyed = true
}
