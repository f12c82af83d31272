package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/emucast/backend/internal/stream"
)

// State is a session's lifecycle phase. Transitions are strictly forward;
// no state is re-entered once left.
type State int

const (
	Starting State = iota
	Booting
	Streaming
	Stopping
	Stopped
)

var stateNames = map[State]string{
	Starting:  "starting",
	Booting:   "booting",
	Streaming: "streaming",
	Stopping:  "stopping",
	Stopped:   "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Session is one logical emulator instance: the registry owns it, everything
// else references it by serial. It pairs the OS process (handle) with the
// capture pipeline (source).
type Session struct {
	serial    string
	avd       string
	port      int
	createdAt time.Time

	handle Handle
	source *stream.Source

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

func newSession(serial, avd string, port int, handle Handle) *Session {
	now := time.Now()
	return &Session{
		serial:       serial,
		avd:          avd,
		port:         port,
		createdAt:    now,
		lastActivity: now,
		handle:       handle,
		state:        Starting,
	}
}

func (s *Session) Serial() string { return s.serial }
func (s *Session) AVD() string    { return s.avd }
func (s *Session) Port() int      { return s.port }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves the session forward to a later state. Backward or repeated
// transitions are refused, which is what makes concurrent teardown safe: the
// first caller to reach Stopping wins.
func (s *Session) advance(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to <= s.state {
		return false
	}
	s.state = to
	return true
}

// Touch records activity, resetting the idle-teardown clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Subscribers reports how many viewers are attached to the frame source.
func (s *Session) Subscribers() int {
	if s.source == nil {
		return 0
	}
	return s.source.SubscriberCount()
}

// Snapshot is the externally visible view of a Session.
type Snapshot struct {
	Serial         string    `json:"serial"`
	AVD            string    `json:"avd"`
	Port           int       `json:"port"`
	State          State     `json:"state"`
	PID            int       `json:"pid,omitempty"`
	Subscribers    int       `json:"subscribers"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Snapshot returns a copy safe to retain and serialize.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	state := s.state
	last := s.lastActivity
	s.mu.Unlock()

	snap := Snapshot{
		Serial:         s.serial,
		AVD:            s.avd,
		Port:           s.port,
		State:          state,
		Subscribers:    s.Subscribers(),
		CreatedAt:      s.createdAt,
		LastActivityAt: last,
	}
	if s.handle != nil {
		snap.PID = s.handle.PID()
	}
	return snap
}
