package link

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Outbox is a durable at-least-once store for outbound messages, the
// interface SenderLink accepts via WithSenderOutbox. Store persists a
// message before it is handed to the AMQP link and returns a monotonically
// increasing sequence number; DiscardUpTo drops every entry at or below a
// sequence once its disposition is known; Replay walks surviving entries
// oldest-first so a restarted process can re-drive unacknowledged sends.
type Outbox interface {
	Store(msg *AmqpMessage) (uint64, error)
	DiscardUpTo(sequence uint64) error
	Replay(replayer func(seq uint64, msg *AmqpMessage) error) error
	UnpersistedCount() int
}

// MemoryOutbox is an Outbox backed only by process memory, the same shape
// as the teacher's MemoryPublishStore sized to AmqpMessage.
type MemoryOutbox struct {
	mu            sync.Mutex
	entries       map[uint64]*AmqpMessage
	nextSequence  uint64
	lastPersisted uint64
}

// NewMemoryOutbox returns an empty MemoryOutbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		entries:      make(map[uint64]*AmqpMessage),
		nextSequence: 1,
	}
}

// Store assigns the next sequence number to a deep copy of msg.
func (o *MemoryOutbox) Store(msg *AmqpMessage) (uint64, error) {
	if msg == nil {
		return 0, errors.New("nil message")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	seq := o.nextSequence
	o.nextSequence++
	o.entries[seq] = msg.Copy()
	return seq, nil
}

// DiscardUpTo removes every entry at or below sequence.
func (o *MemoryOutbox) DiscardUpTo(sequence uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for seq := range o.entries {
		if seq <= sequence {
			delete(o.entries, seq)
		}
	}
	if sequence > o.lastPersisted {
		o.lastPersisted = sequence
	}
	return nil
}

// Replay invokes replayer for every surviving entry in ascending sequence
// order. A non-nil return from replayer stops the walk and is returned.
func (o *MemoryOutbox) Replay(replayer func(seq uint64, msg *AmqpMessage) error) error {
	if replayer == nil {
		return nil
	}
	o.mu.Lock()
	sequences := make([]uint64, 0, len(o.entries))
	for seq := range o.entries {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })
	messages := make([]*AmqpMessage, 0, len(sequences))
	for _, seq := range sequences {
		messages = append(messages, o.entries[seq].Copy())
	}
	o.mu.Unlock()

	for i, seq := range sequences {
		if err := replayer(seq, messages[i]); err != nil {
			return err
		}
	}
	return nil
}

// UnpersistedCount reports how many entries have not yet been discarded.
func (o *MemoryOutbox) UnpersistedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

type outboxRecord struct {
	Sequence uint64          `json:"sequence"`
	Body     []byte          `json:"body"`
	Props    AmqpProperties  `json:"properties"`
	AppProps map[string]any  `json:"application_properties"`
	Annots   map[string]any  `json:"annotations"`
}

type outboxFileState struct {
	LastPersisted uint64         `json:"last_persisted"`
	NextSequence  uint64         `json:"next_sequence"`
	Records       []outboxRecord `json:"records"`
}

// FileOutbox is a MemoryOutbox that persists to a JSON file on every
// mutation and reloads it at construction, the same load-on-open,
// save-on-write shape as the teacher's FilePublishStore.
type FileOutbox struct {
	*MemoryOutbox
	path string
}

// NewFileOutbox returns a FileOutbox backed by path, loading any existing
// state. A missing file is treated as an empty outbox.
func NewFileOutbox(path string) *FileOutbox {
	fo := &FileOutbox{MemoryOutbox: NewMemoryOutbox(), path: path}
	_ = fo.load()
	return fo
}

// Store persists msg and immediately flushes to disk.
func (fo *FileOutbox) Store(msg *AmqpMessage) (uint64, error) {
	seq, err := fo.MemoryOutbox.Store(msg)
	if err != nil {
		return 0, err
	}
	if err := fo.save(); err != nil {
		return seq, err
	}
	return seq, nil
}

// DiscardUpTo removes entries and immediately flushes to disk.
func (fo *FileOutbox) DiscardUpTo(sequence uint64) error {
	if err := fo.MemoryOutbox.DiscardUpTo(sequence); err != nil {
		return err
	}
	return fo.save()
}

func (fo *FileOutbox) save() error {
	if fo.path == "" {
		return nil
	}
	fo.mu.Lock()
	defer fo.mu.Unlock()

	sequences := make([]uint64, 0, len(fo.entries))
	for seq := range fo.entries {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	records := make([]outboxRecord, 0, len(sequences))
	for _, seq := range sequences {
		msg := fo.entries[seq]
		records = append(records, outboxRecord{
			Sequence: seq,
			Body:     msg.Body,
			Props:    msg.Properties,
			AppProps: msg.ApplicationProperties,
			Annots:   msg.Annotations,
		})
	}

	state := outboxFileState{
		LastPersisted: fo.lastPersisted,
		NextSequence:  fo.nextSequence,
		Records:       records,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outbox state: %w", err)
	}
	return os.WriteFile(fo.path, data, 0o600)
}

func (fo *FileOutbox) load() error {
	if fo.path == "" {
		return nil
	}
	data, err := os.ReadFile(fo.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state outboxFileState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	fo.mu.Lock()
	defer fo.mu.Unlock()
	fo.entries = make(map[uint64]*AmqpMessage, len(state.Records))
	for _, rec := range state.Records {
		fo.entries[rec.Sequence] = &AmqpMessage{
			Body:                  rec.Body,
			Properties:            rec.Props,
			ApplicationProperties: rec.AppProps,
			Annotations:           rec.Annots,
		}
	}
	fo.lastPersisted = state.LastPersisted
	if state.NextSequence == 0 {
		state.NextSequence = 1
	}
	fo.nextSequence = state.NextSequence
	return nil
}
