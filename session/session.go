// Package session owns the conversation state: the bounded, ordered message
// history, the stage of the current cycle, and the artifacts produced by tool
// side effects. The agent loop is the single writer; everything else observes.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"factotum/errors"
)

// DefaultHistoryLimit caps the message history. When an append would exceed
// the cap, the oldest entries are dropped first.
const DefaultHistoryLimit = 200

// Artifact records a file or output produced as a tool side effect.
type Artifact struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Observer receives state-change notifications. Implementations must not call
// back into the Session from within a notification.
type Observer interface {
	StageChanged(stage Stage, detail string)
	HistoryChanged(messages []Message)
}

type nopObserver struct{}

func (nopObserver) StageChanged(Stage, string) {}
func (nopObserver) HistoryChanged([]Message)   {}

// Session is the conversation state manager. All mutation goes through its
// methods; the mutex exists because responses and aborts arrive from surface
// goroutines while a cycle runs.
type Session struct {
	Name     string
	WorkMode string
	Toolset  string

	mu          sync.Mutex
	messages    []Message
	stage       Stage
	stageDetail string
	artifacts   []Artifact
	limit       int
	observer    Observer
	path        string
}

// New creates a new named session persisted under .factotum/sessions.
func New(name string) (*Session, error) {
	path, err := sessionPath(name)
	if err != nil {
		return nil, err
	}
	return &Session{
		Name:     name,
		stage:    StageIdle,
		limit:    DefaultHistoryLimit,
		observer: nopObserver{},
		path:     path,
	}, nil
}

// Load restores a previously saved session from disk.
func Load(name string) (*Session, error) {
	path, err := sessionPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}
	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	s, err := New(name)
	if err != nil {
		return nil, err
	}
	s.WorkMode = f.WorkMode
	s.Toolset = f.Toolset
	s.messages = f.Messages
	return s, nil
}

// SetObserver registers the notification sink. Pass nil to silence.
func (s *Session) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// SetLimit overrides the history cap. Values below 1 are ignored.
func (s *Session) SetLimit(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	s.limit = n
	s.trimLocked()
	s.mu.Unlock()
}

// Append adds a message to the history, assigning an ID if absent and
// trimming the oldest entries past the cap. Returns the stored message.
func (s *Session) Append(msg Message) Message {
	s.mu.Lock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.messages = append(s.messages, msg)
	s.trimLocked()
	observer, snapshot := s.observer, s.snapshotLocked()
	s.mu.Unlock()

	observer.HistoryChanged(snapshot)
	return msg
}

// TruncateFrom removes the message with the given ID and everything after it,
// returning the removed slice. Unknown IDs remove nothing.
func (s *Session) TruncateFrom(id string) []Message {
	s.mu.Lock()
	idx := -1
	for i, m := range s.messages {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	removed := make([]Message, len(s.messages)-idx)
	copy(removed, s.messages[idx:])
	s.messages = s.messages[:idx]
	observer, snapshot := s.observer, s.snapshotLocked()
	s.mu.Unlock()

	observer.HistoryChanged(snapshot)
	return removed
}

// Messages returns a copy of the history.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len reports the number of messages in the history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Stage returns the current loop stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// SetStage updates the stage. An unchanged stage with no detail is a no-op
// and emits no notification.
func (s *Session) SetStage(stage Stage, detail string) {
	s.mu.Lock()
	if s.stage == stage && detail == "" {
		s.mu.Unlock()
		return
	}
	s.stage = stage
	s.stageDetail = detail
	observer := s.observer
	s.mu.Unlock()

	observer.StageChanged(stage, detail)
}

// Clear empties the history and the artifact list.
func (s *Session) Clear() {
	s.Replace(nil)
}

// Replace swaps the history wholesale. The artifact list is always cleared as
// a side effect; artifacts describe the session that produced them.
func (s *Session) Replace(messages []Message) {
	s.mu.Lock()
	s.messages = append([]Message(nil), messages...)
	s.artifacts = nil
	s.trimLocked()
	observer, snapshot := s.observer, s.snapshotLocked()
	s.mu.Unlock()

	observer.HistoryChanged(snapshot)
}

// AddArtifact records a tool side effect.
func (s *Session) AddArtifact(a Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, a)
}

// Artifacts returns a copy of the artifact list.
func (s *Session) Artifacts() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Artifact(nil), s.artifacts...)
}

type sessionFile struct {
	Name     string    `json:"name"`
	WorkMode string    `json:"work_mode,omitempty"`
	Toolset  string    `json:"toolset,omitempty"`
	Messages []Message `json:"messages"`
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	s.mu.Lock()
	f := sessionFile{
		Name:     s.Name,
		WorkMode: s.WorkMode,
		Toolset:  s.Toolset,
		Messages: s.snapshotLocked(),
	}
	path := s.path
	s.mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	return os.WriteFile(path, data, 0644)
}

// Trim rule: drop-oldest-first over the whole list. There is no system role
// in the history, so no leading entries are exempt.
func (s *Session) trimLocked() {
	if over := len(s.messages) - s.limit; over > 0 {
		s.messages = append([]Message(nil), s.messages[over:]...)
	}
}

func (s *Session) snapshotLocked() []Message {
	return append([]Message(nil), s.messages...)
}

func sessionPath(name string) (string, error) {
	dir := filepath.Join(".factotum", "sessions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	return filepath.Join(dir, name+".json"), nil
}
