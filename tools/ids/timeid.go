package ids

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"ChatCore/logger"

	"go.uber.org/zap"
)

// A message id is rendered "millis.sequence" with the sequence zero-padded to
// three digits, so plain string comparison orders ids chronologically. The
// sequence disambiguates ids minted inside the same millisecond.
const maxSequence = 999

// Generator mints strictly increasing message ids for channels owned by this
// replica. (lastMillis, sequence) is private state guarded by the mutex;
// callers only ever see Next.
type Generator struct {
	mu         sync.Mutex
	lastMillis int64
	sequence   int64

	// nowMillis is swappable in tests; nil means wall clock.
	nowMillis func() int64
}

func NewGenerator() *Generator { return &Generator{} }

// NewGeneratorWithClock injects a millisecond clock, test use only.
func NewGeneratorWithClock(clock func() int64) *Generator {
	return &Generator{nowMillis: clock}
}

func (g *Generator) now() int64 {
	if g.nowMillis != nil {
		return g.nowMillis()
	}
	return time.Now().UnixMilli()
}

// Next returns the next id. Same-millisecond calls bump the sequence; on
// overflow we spin until the clock ticks over. A backward clock jump spins
// until the clock passes lastMillis again rather than ever handing out a
// smaller id.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.lastMillis {
		logger.Warn("clock moved backward, holding id generation",
			zap.Int64("now", now), zap.Int64("last", g.lastMillis))
		for now < g.lastMillis {
			runtime.Gosched()
			now = g.now()
		}
	}

	if now == g.lastMillis {
		g.sequence++
		if g.sequence > maxSequence {
			logger.Warn("sequence overflow, waiting for next millisecond",
				zap.Int64("millis", now))
			for now <= g.lastMillis {
				runtime.Gosched()
				now = g.now()
			}
			g.lastMillis = now
			g.sequence = 0
		}
	} else {
		g.lastMillis = now
		g.sequence = 0
	}

	return Render(g.lastMillis, g.sequence)
}

// Render formats an id from its parts.
func Render(millis, sequence int64) string {
	return fmt.Sprintf("%d.%03d", millis, sequence)
}

// Parse splits an id back into (millis, sequence).
func Parse(id string) (int64, int64, error) {
	dot := strings.IndexByte(id, '.')
	if dot <= 0 || dot == len(id)-1 {
		return 0, 0, fmt.Errorf("malformed id %q", id)
	}
	millis, err := strconv.ParseInt(id[:dot], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed id %q: %w", id, err)
	}
	seq, err := strconv.ParseInt(id[dot+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed id %q: %w", id, err)
	}
	return millis, seq, nil
}

// Compare orders two ids chronologically. Generated ids have fixed-width
// components, so for them this agrees with plain string order (what the
// cache's Lua compare and the SQL GREATEST rely on); comparing decimal parts
// by length first also orders bare variable-width timestamps correctly.
func Compare(a, b string) int {
	am, as := splitParts(a)
	bm, bs := splitParts(b)
	if c := compareDecimal(am, bm); c != 0 {
		return c
	}
	return compareDecimal(as, bs)
}

func splitParts(id string) (millis, seq string) {
	if dot := strings.IndexByte(id, '.'); dot >= 0 {
		return id[:dot], id[dot+1:]
	}
	return id, ""
}

func compareDecimal(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// Canonical ids carry a 13-digit millis part, which keeps byte order equal
// to chronological order from 2001 through 2286. The cache's Lua compare and
// the SQL GREATEST rely on that width, so client-supplied ids must pass
// through Canonicalize before reaching either store.
const (
	minCanonicalMillis = 1_000_000_000_000
	maxCanonicalMillis = 9_999_999_999_999
)

// Canonicalize parses a client-supplied id and re-renders it in fixed-width
// form, rejecting anything whose parts fall outside the canonical ranges.
func Canonicalize(id string) (string, error) {
	millis, seq, err := Parse(id)
	if err != nil {
		return "", err
	}
	if millis < minCanonicalMillis || millis > maxCanonicalMillis {
		return "", fmt.Errorf("millis outside canonical range in id %q", id)
	}
	if seq < 0 || seq > maxSequence {
		return "", fmt.Errorf("sequence outside canonical range in id %q", id)
	}
	return Render(millis, seq), nil
}

// CursorBefore returns the largest canonical id strictly below millis, so a
// catch-up query starting from it includes everything stamped at millis
// itself.
func CursorBefore(millis int64) (string, error) {
	if millis <= minCanonicalMillis || millis > maxCanonicalMillis {
		return "", fmt.Errorf("millis %d outside canonical range", millis)
	}
	return Render(millis-1, maxSequence), nil
}

// Registry hands out one generator per owned channel. Only channels this
// replica is the authority for ever get an entry.
type Registry struct {
	mu   sync.Mutex
	gens map[string]*Generator
}

func NewRegistry() *Registry {
	return &Registry{gens: make(map[string]*Generator)}
}

func (r *Registry) For(channelID string) *Generator {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gens[channelID]
	if !ok {
		g = NewGenerator()
		r.gens[channelID] = g
	}
	return g
}
