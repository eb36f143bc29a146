package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bit2swaz/meshsync/internal/apperr"
)

const maxCodeAttempts = 64

// MemoryStore is the peer-local rendezvous store.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	codeLen int
	now     func() time.Time
	offers  map[string]Entry
	answers map[string][]Entry
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// WithCodeLength sets the generated code length.
func WithCodeLength(n int) MemoryOption {
	return func(s *MemoryStore) { s.codeLen = n }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		ttl:     DefaultTTL,
		codeLen: DefaultCodeLength,
		now:     time.Now,
		offers:  make(map[string]Entry),
		answers: make(map[string][]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Put(_ context.Context, kind Kind, payload string) (string, error) {
	if kind != KindOffer {
		return "", apperr.New(apperr.KindValidation, "rendezvous put", "answers are deposited with PutFor")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := GenerateCode(s.codeLen)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		if _, taken := s.offers[code]; taken {
			continue
		}
		s.offers[code] = Entry{
			Code:      code,
			Kind:      kind,
			Payload:   payload,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		return code, nil
	}
	return "", fmt.Errorf("no free rendezvous code after %d attempts", maxCodeAttempts)
}

func (s *MemoryStore) PutFor(_ context.Context, code string, kind Kind, payload string) error {
	if kind != KindAnswer {
		return apperr.New(apperr.KindValidation, "rendezvous put", "only answers are deposited under an existing code")
	}
	code = NormalizeCode(code)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	if _, ok := s.offers[code]; !ok {
		return apperr.New(apperr.KindRendezvousMiss, "rendezvous put", "offer "+code+" not found or expired")
	}
	s.answers[code] = append(s.answers[code], Entry{
		Code:      code,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, code string, kind Kind) (string, bool, error) {
	code = NormalizeCode(code)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	switch kind {
	case KindOffer:
		e, ok := s.offers[code]
		if !ok {
			return "", false, nil
		}
		if e.expired(now) {
			delete(s.offers, code)
			return "", false, nil
		}
		return e.Payload, true, nil
	case KindAnswer:
		queue := s.answers[code]
		for len(queue) > 0 {
			e := queue[0]
			queue = queue[1:]
			if !e.expired(now) {
				s.setAnswers(code, queue)
				return e.Payload, true, nil
			}
		}
		delete(s.answers, code)
		return "", false, nil
	default:
		return "", false, apperr.New(apperr.KindValidation, "rendezvous get", "unknown kind "+string(kind))
	}
}

func (s *MemoryStore) setAnswers(code string, queue []Entry) {
	if len(queue) == 0 {
		delete(s.answers, code)
		return
	}
	s.answers[code] = queue
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now()), nil
}

func (s *MemoryStore) sweepLocked(now time.Time) int {
	removed := 0
	for code, e := range s.offers {
		if e.expired(now) {
			delete(s.offers, code)
			removed++
		}
	}
	for code, queue := range s.answers {
		kept := queue[:0]
		for _, e := range queue {
			if e.expired(now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		s.setAnswers(code, kept)
	}
	return removed
}

// Len reports live offers and queued answers, for diagnostics.
func (s *MemoryStore) Len() (offers, answers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.answers {
		answers += len(q)
	}
	return len(s.offers), answers
}
