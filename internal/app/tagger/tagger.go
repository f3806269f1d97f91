// Package tagger stamps outbound requests with a session-stable correlation id.
package tagger

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/domain"
)

// DefaultHeader is the correlation header sent on every request.
const DefaultHeader = "X-Correlation-Id"

// Tagger reuses one correlation id per session and adopts the server's id
// whenever a response carries a different one.
type Tagger struct {
	mu     sync.Mutex
	kv     domain.KVStore
	header string
	key    string
	log    *zap.Logger
	now    func() time.Time
}

// New creates a tagger persisting the chosen id under key in session scope.
func New(kv domain.KVStore, header, key string, log *zap.Logger) *Tagger {
	if header == "" {
		header = DefaultHeader
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tagger{kv: kv, header: header, key: key, log: log, now: time.Now}
}

// Header returns the header name the tagger writes.
func (t *Tagger) Header() string { return t.header }

// Tag sets the correlation header on req and returns the id used. A request
// that already carries a non-blank id keeps it; tagging twice is a no-op.
func (t *Tagger) Tag(req *http.Request) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := strings.TrimSpace(req.Header.Get(t.header))
	if id == "" {
		id = t.stored()
	}
	if id == "" {
		id = t.generate()
		t.log.Debug("correlation id created", zap.String("correlation_id", id))
	}
	req.Header.Set(t.header, id)
	t.store(id)
	return id
}

// Current returns the session's correlation id, or "" before the first request.
func (t *Tagger) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stored()
}

// Observe adopts the id a server response supplies, replacing the session's.
func (t *Tagger) Observe(resp *http.Response) {
	if resp == nil {
		return
	}
	id := strings.TrimSpace(resp.Header.Get(t.header))
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev := t.stored(); prev != id {
		t.log.Debug("correlation id replaced by server",
			zap.String("previous", prev), zap.String("correlation_id", id))
		t.store(id)
	}
}

func (t *Tagger) stored() string {
	v, ok, err := t.kv.Get(domain.ScopeSession, t.key)
	if err != nil {
		t.log.Warn("correlation id read failed", zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func (t *Tagger) store(id string) {
	if err := t.kv.SetMany(domain.ScopeSession, map[string]string{t.key: id}); err != nil {
		t.log.Warn("correlation id write failed", zap.Error(err))
	}
}

// generate builds "<unix-nanos base36>-<8 random hex>".
func (t *Tagger) generate() string {
	ts := strconv.FormatInt(t.now().UnixNano(), 36)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return ts + "-" + suffix
}
