// Package rendezvous holds short-lived offers and answers under short
// human-shareable codes, so two peers can bootstrap a session without a
// signaling server.
package rendezvous

import (
	"context"
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// Kind tells offers and answers apart.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
)

// DefaultTTL is how long an entry stays retrievable.
const DefaultTTL = 30 * time.Minute

// DefaultCodeLength is the length of generated codes.
const DefaultCodeLength = 4

// Alphabet excludes 0, O, 1 and I so codes survive being read aloud.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Entry is one stored payload.
type Entry struct {
	Code      string    `json:"code"`
	Kind      Kind      `json:"kind"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (e Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Store is the rendezvous contract. A miss is reported through found=false,
// never as an error; errors are reserved for backend failures.
type Store interface {
	// Put stores an offer under a fresh code and returns the code.
	Put(ctx context.Context, kind Kind, payload string) (string, error)
	// PutFor deposits an answer under an existing, unexpired offer code.
	// Several answers may queue under one code.
	PutFor(ctx context.Context, code string, kind Kind, payload string) error
	// Get returns the payload for code. Answers are consumed by the read.
	Get(ctx context.Context, code string, kind Kind) (payload string, found bool, err error)
	// Sweep drops every expired entry and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// NormalizeCode upper-cases and trims a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]{4,8}$`)

// IsCode reports whether s looks like a short code rather than a full
// encoded session description.
func IsCode(s string) bool {
	return codePattern.MatchString(strings.TrimSpace(s))
}

// GenerateCode draws n characters from Alphabet.
func GenerateCode(n int) (string, error) {
	if n <= 0 {
		n = DefaultCodeLength
	}
	max := big.NewInt(int64(len(Alphabet)))
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(Alphabet[idx.Int64()])
	}
	return sb.String(), nil
}
