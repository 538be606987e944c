package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sohocredit/ap2"
)

// ErrDuplicateToken is returned by Backend.Put when the token value is taken.
var ErrDuplicateToken = errors.New("token: duplicate token value")

// Record is a stored credential token. MandateID is empty until bound.
type Record struct {
	Token     string
	Email     string
	Alias     string
	MandateID string
	CreatedAt time.Time
}

// Bound reports whether a mandate id has been bound to the token.
func (r Record) Bound() bool {
	return r.MandateID != ""
}

// Backend persists credential tokens.
//
// CompareAndSwapMandate sets the mandate id to next only when the stored value
// equals prev (empty meaning unbound) and reports whether the swap happened.
// Implementations must make the check and the write atomic per token.
type Backend interface {
	Get(ctx context.Context, token string) (Record, error)
	Put(ctx context.Context, rec Record) error
	CompareAndSwapMandate(ctx context.Context, token, prev, next string) (bool, error)
}

type memoryEntry struct {
	rec     Record
	mandate atomic.Pointer[string]
}

// MemoryBackend keeps tokens in process memory. Each token carries its own
// atomic mandate slot so binds on unrelated tokens never contend.
type MemoryBackend struct {
	entries sync.Map // token -> *memoryEntry
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Get(_ context.Context, token string) (Record, error) {
	v, ok := b.entries.Load(token)
	if !ok {
		return Record{}, notFound(token)
	}
	e := v.(*memoryEntry)
	rec := e.rec
	if m := e.mandate.Load(); m != nil {
		rec.MandateID = *m
	}
	return rec, nil
}

func (b *MemoryBackend) Put(_ context.Context, rec Record) error {
	e := &memoryEntry{rec: rec}
	e.rec.MandateID = ""
	if rec.MandateID != "" {
		id := rec.MandateID
		e.mandate.Store(&id)
	}
	if _, loaded := b.entries.LoadOrStore(rec.Token, e); loaded {
		return ErrDuplicateToken
	}
	return nil
}

func (b *MemoryBackend) CompareAndSwapMandate(_ context.Context, token, prev, next string) (bool, error) {
	v, ok := b.entries.Load(token)
	if !ok {
		return false, notFound(token)
	}
	e := v.(*memoryEntry)
	for {
		cur := e.mandate.Load()
		curID := ""
		if cur != nil {
			curID = *cur
		}
		if curID != prev {
			return false, nil
		}
		if e.mandate.CompareAndSwap(cur, &next) {
			return true, nil
		}
	}
}

func notFound(token string) error {
	return ap2.NewNotFoundError(fmt.Sprintf("credential token not found: %s", redact(token)), ap2.WithOffendingParam("token"))
}

// redact keeps enough of a token to correlate log lines.
func redact(token string) string {
	const keep = 12
	if len(token) <= keep {
		return token
	}
	return token[:keep] + "…"
}
