package negotiator

import (
	"sort"
	"time"

	"github.com/bit2swaz/meshsync/internal/transport"
)

type State string

const (
	StateNew            State = "NEW"
	StateOffering       State = "OFFERING"
	StateAwaitingRemote State = "AWAITING_REMOTE"
	StateGathering      State = "CANDIDATE_GATHERING"
	StateOpen           State = "OPEN"
	StateClosed         State = "CLOSED"
	StateFailed         State = "FAILED"
)

func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

type Role string

const (
	RoleHost   Role = "host"
	RoleJoiner Role = "joiner"
)

// Session is one peer connection attempt. Fields are only touched on the
// event loop.
type Session struct {
	ID         string
	Role       Role
	State      State
	Code       string
	RemoteID   string
	RemoteNick string
	CreatedAt  time.Time
	Err        error

	seq       uint64
	link      transport.Link
	remoteSet bool
	timer     *time.Timer
}

// Info is a copy of a session safe to hand to other goroutines.
type Info struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	State      State     `json:"state"`
	Code       string    `json:"code,omitempty"`
	RemoteID   string    `json:"remoteId,omitempty"`
	RemoteNick string    `json:"remoteNick,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Error      string    `json:"error,omitempty"`
}

func (s *Session) Info() Info {
	info := Info{
		ID:         s.ID,
		Role:       s.Role,
		State:      s.State,
		Code:       s.Code,
		RemoteID:   s.RemoteID,
		RemoteNick: s.RemoteNick,
		CreatedAt:  s.CreatedAt,
	}
	if s.Err != nil {
		info.Error = s.Err.Error()
	}
	return info
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// keepTerminal bounds how many finished sessions stay listed.
const keepTerminal = 16

// Registry indexes sessions by id and creation order. It belongs to the
// event loop like the sessions themselves.
type Registry struct {
	sessions map[string]*Session
	seq      uint64
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.seq++
	s.seq = r.seq
	r.sessions[s.ID] = s
	r.prune()
}

func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every session in creation order.
func (r *Registry) List() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) Open() []*Session {
	var out []*Session
	for _, s := range r.List() {
		if s.State == StateOpen {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Live() []*Session {
	var out []*Session
	for _, s := range r.List() {
		if !s.State.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// PendingAnswer picks the session an incoming answer belongs to: the newest
// host session still waiting for a remote description, restricted to code
// when one is given.
func (r *Registry) PendingAnswer(code string) *Session {
	var best *Session
	for _, s := range r.sessions {
		if s.Role != RoleHost || s.remoteSet {
			continue
		}
		if s.State != StateGathering && s.State != StateOffering {
			continue
		}
		if code != "" && s.Code != code {
			continue
		}
		if best == nil || s.seq > best.seq {
			best = s
		}
	}
	return best
}

// ConnectedTo reports an open session with the given remote identity.
func (r *Registry) ConnectedTo(remoteID string) bool {
	if remoteID == "" {
		return false
	}
	for _, s := range r.sessions {
		if s.State == StateOpen && s.RemoteID == remoteID {
			return true
		}
	}
	return false
}

func (r *Registry) prune() {
	var done []*Session
	for _, s := range r.List() {
		if s.State.Terminal() {
			done = append(done, s)
		}
	}
	for len(done) > keepTerminal {
		delete(r.sessions, done[0].ID)
		done = done[1:]
	}
}
