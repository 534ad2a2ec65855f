// Package sanitize is the PII tokenization engine. It detects sensitive
// spans with pluggable detectors, resolves overlaps deterministically,
// replaces each span with a placeholder token and restores the originals
// when a response echoes the tokens back.
//
// Usage:
//
//	eng := sanitize.New(sanitize.Config{Detector: rules.New()})
//	res, err := eng.Scrub(ctx, text, sanitize.ScrubOptions{})
//	// send res.Text upstream
//	out, err := eng.Restore(ctx, reply, res.Scope)
//	_ = eng.ReleaseScope(ctx, res.Scope)
package sanitize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/free-radical/zeroveil/internal/metrics"
	"github.com/free-radical/zeroveil/internal/scope"
)

// DefaultTTL is how long a scope stays restorable when Config.TTL is zero.
const DefaultTTL = 15 * time.Minute

// tombstoneRetention is how long released scope IDs are remembered so that
// late restores report ErrScopeExpired rather than ErrScopeNotFound.
const tombstoneRetention = 24 * time.Hour

// Config configures an Engine.
type Config struct {
	Detector      Detector         // required
	Priority      []Category       // conflict tie-break order; nil uses DefaultPriority
	MinConfidence float64          // candidates below this are ignored
	TTL           time.Duration    // default scope lifetime; negative disables expiry
	Store         scope.Store      // optional; required for Persist
	Metrics       *metrics.Metrics // optional
	Tracer        trace.Tracer     // optional
	Now           func() time.Time // optional, for tests
}

// ScrubOptions controls a single Scrub call.
type ScrubOptions struct {
	Mode    Mode
	Scope   string        // append to this existing scope; empty creates a new one
	Persist bool          // mirror the mapping to the scope store
	TTL     time.Duration // overrides Config.TTL for a new scope
}

// ScrubResult is the outcome of a Scrub call. The caller owns the scope and
// must release it with ReleaseScope when restoration is no longer needed.
type ScrubResult struct {
	Text   string
	Scope  string
	Tokens []TokenInfo // one per replaced span, in text order
	sess   *Session
}

// Session returns the handle of the scope that owns the mapping.
func (r *ScrubResult) Session() *Session { return r.sess }

// RestoreResult is the outcome of a Restore call.
type RestoreResult struct {
	Text     string
	Warnings []UnmatchedToken
}

// Engine runs scrub sessions and keeps their mappings until released.
// Engine is safe for concurrent use; independent scrubs share no state
// beyond the scope registry.
type Engine struct {
	detector Detector
	resolver *Resolver
	minConf  float64
	ttl      time.Duration
	store    scope.Store
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.RWMutex
	scopes   map[string]*Session
	released map[string]time.Time
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Detector == nil {
		cfg.Detector = NewMultiDetector()
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("zeroveil/internal/sanitize")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		detector: cfg.Detector,
		resolver: NewResolver(cfg.Priority),
		minConf:  cfg.MinConfidence,
		ttl:      cfg.TTL,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		now:      cfg.Now,
		scopes:   make(map[string]*Session),
		released: make(map[string]time.Time),
	}
}

// Scrub detects sensitive spans in text and replaces them with tokens.
// On any failure no new scope is created; cancelling ctx during detection
// leaves nothing to roll back.
func (e *Engine) Scrub(ctx context.Context, text string, opts ScrubOptions) (*ScrubResult, error) {
	ctx, span := e.tracer.Start(ctx, "sanitize.scrub", trace.WithAttributes(
		attribute.String("sanitize.mode", opts.Mode.String()),
		attribute.Bool("sanitize.append", opts.Scope != ""),
		attribute.Int("sanitize.text_len", len(text)),
	))
	defer span.End()
	start := e.now()

	res, err := e.scrub(ctx, text, opts)
	e.metrics.ObserveScrub(opts.Mode.String(), statusOf(err), e.now().Sub(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scrub failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("sanitize.tokens", len(res.Tokens)))
	return res, nil
}

func (e *Engine) scrub(ctx context.Context, text string, opts ScrubOptions) (*ScrubResult, error) {
	var (
		sess  *Session
		fresh bool
	)
	if opts.Scope != "" {
		s, err := e.lookup(ctx, opts.Scope)
		if err != nil {
			return nil, err
		}
		if s.Mode() != opts.Mode {
			return nil, fmt.Errorf("scope %s is %s: %w", s.ID(), s.Mode(), ErrModeMismatch)
		}
		sess = s
	} else {
		if opts.Persist && e.store == nil {
			return nil, errors.New("sanitize: persist requested but no scope store configured")
		}
		ttl := e.ttl
		if opts.TTL != 0 {
			ttl = opts.TTL
		}
		s, err := newSession(uuid.NewString(), opts.Mode, opts.Persist, e.now(), ttl)
		if err != nil {
			return nil, err
		}
		sess, fresh = s, true
		sess.setState(StateDetecting)
	}

	candidates, err := e.detect(ctx, text)
	if err != nil {
		return nil, err
	}

	if fresh {
		sess.setState(StateResolving)
	}
	resolved, err := e.resolver.Resolve(text, candidates)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, infos, err := sess.apply(text, resolved, e.saver(ctx, sess.ID()))
	if err != nil {
		if fresh {
			sess.release()
		}
		if errors.Is(err, ErrConsistency) {
			slog.Error("sanitize: rewrite self-check failed", "scope", sess.ID(), "spans", len(resolved), "err", err)
		}
		return nil, err
	}

	sess.setState(StateActive)
	if fresh {
		e.mu.Lock()
		e.scopes[sess.ID()] = sess
		active := len(e.scopes)
		e.mu.Unlock()
		e.metrics.SetActiveScopes(active)
	}

	for _, sp := range resolved {
		e.metrics.ObserveSpan(string(sp.Category))
	}
	slog.Debug("sanitize: scrubbed", "scope", sess.ID(), "mode", sess.Mode(), "spans", len(resolved), "candidates", len(candidates))

	return &ScrubResult{Text: out, Scope: sess.ID(), Tokens: infos, sess: sess}, nil
}

// detect runs the detector and normalises its output. Spans below the
// confidence floor are dropped only after their bounds are validated.
func (e *Engine) detect(ctx context.Context, text string) ([]Span, error) {
	ctx, span := e.tracer.Start(ctx, "sanitize.detect")
	defer span.End()
	start := e.now()

	raw, err := e.detector.Detect(ctx, text)
	e.metrics.ObserveDetect(statusOf(err), e.now().Sub(start).Seconds())
	if err != nil {
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, &DetectorError{Err: err}
	}

	out := make([]Span, 0, len(raw))
	for i, sp := range raw {
		if err := validateSpan(text, i, sp); err != nil {
			return nil, err
		}
		if sp.Confidence < e.minConf {
			continue
		}
		sp.Category = NormalizeCategory(string(sp.Category))
		out = append(out, sp)
	}
	span.SetAttributes(attribute.Int("sanitize.candidates", len(out)))
	return out, nil
}

// Restore replaces the tokens of scope id found in text with their
// original values. Unknown token-shaped substrings are reported as
// warnings, never as errors.
func (e *Engine) Restore(ctx context.Context, text, id string) (*RestoreResult, error) {
	ctx, span := e.tracer.Start(ctx, "sanitize.restore", trace.WithAttributes(
		attribute.Int("sanitize.text_len", len(text)),
	))
	defer span.End()

	sess, err := e.lookup(ctx, id)
	if err != nil {
		e.metrics.ObserveRestore(statusOf(err), 0)
		span.RecordError(err)
		return nil, err
	}
	out, unmatched, err := sess.Restore(text)
	e.metrics.ObserveRestore(statusOf(err), len(unmatched))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(unmatched) > 0 {
		slog.Warn("sanitize: unmatched tokens in restored text", "scope", id, "count", len(unmatched))
	}
	span.SetAttributes(attribute.Int("sanitize.unmatched", len(unmatched)))
	return &RestoreResult{Text: out, Warnings: unmatched}, nil
}

// Session returns the live session for scope id, loading it from the
// scope store when necessary.
func (e *Engine) Session(ctx context.Context, id string) (*Session, error) {
	return e.lookup(ctx, id)
}

// ReleaseScope zeroizes the mapping of scope id and removes it from the
// scope store. Later restores fail with ErrScopeExpired. Releasing an
// already released scope is a no-op.
func (e *Engine) ReleaseScope(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "sanitize.release")
	defer span.End()

	e.mu.Lock()
	sess, live := e.scopes[id]
	_, gone := e.released[id]
	if live {
		delete(e.scopes, id)
	}
	e.released[id] = e.now()
	active := len(e.scopes)
	e.mu.Unlock()
	e.metrics.SetActiveScopes(active)

	if live {
		sess.release()
	}

	var storeErr error
	if e.store != nil && (!live || sess.Persistent()) {
		storeErr = e.store.Release(ctx, id)
	}

	switch {
	case live || gone:
		if storeErr != nil && !errors.Is(storeErr, scope.ErrNotFound) && !errors.Is(storeErr, scope.ErrExpired) {
			span.RecordError(storeErr)
			return fmt.Errorf("sanitize: release scope %s: %w", id, storeErr)
		}
	case e.store == nil || errors.Is(storeErr, scope.ErrNotFound):
		e.forget(id)
		return fmt.Errorf("scope %s: %w", id, ErrScopeNotFound)
	case storeErr != nil && !errors.Is(storeErr, scope.ErrExpired):
		e.forget(id)
		span.RecordError(storeErr)
		return fmt.Errorf("sanitize: release scope %s: %w", id, storeErr)
	}
	slog.Debug("sanitize: scope released", "scope", id)
	return nil
}

// Sweep releases every scope whose TTL has passed at now and forgets old
// tombstones. It returns the number of scopes released.
func (e *Engine) Sweep(ctx context.Context, now time.Time) int {
	var expired []*Session
	e.mu.Lock()
	for id, s := range e.scopes {
		if s.expired(now) {
			expired = append(expired, s)
			delete(e.scopes, id)
			e.released[id] = now
		}
	}
	for id, at := range e.released {
		if now.Sub(at) > tombstoneRetention {
			delete(e.released, id)
		}
	}
	active := len(e.scopes)
	e.mu.Unlock()

	for _, s := range expired {
		s.release()
		if s.Persistent() && e.store != nil {
			if err := e.store.Release(ctx, s.ID()); err != nil && !errors.Is(err, scope.ErrNotFound) && !errors.Is(err, scope.ErrExpired) {
				slog.Warn("sanitize: release expired scope in store", "scope", s.ID(), "err", err)
			}
		}
	}
	e.metrics.SetActiveScopes(active)
	if len(expired) > 0 {
		slog.Info("sanitize: expired scopes released", "count", len(expired))
	}
	return len(expired)
}

// RunJanitor calls Sweep every interval until ctx is done.
func (e *Engine) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Sweep(ctx, e.now())
		}
	}
}

// Close releases every in-memory scope. Persisted scopes stay in the
// store for other processes until their own TTL ends.
func (e *Engine) Close() {
	e.mu.Lock()
	scopes := e.scopes
	e.scopes = make(map[string]*Session)
	now := e.now()
	for id := range scopes {
		e.released[id] = now
	}
	e.mu.Unlock()
	for _, s := range scopes {
		s.release()
	}
	e.metrics.SetActiveScopes(0)
}

// ActiveScopes returns the number of live in-memory scopes.
func (e *Engine) ActiveScopes() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.scopes)
}

func (e *Engine) lookup(ctx context.Context, id string) (*Session, error) {
	now := e.now()
	e.mu.RLock()
	sess, live := e.scopes[id]
	_, gone := e.released[id]
	e.mu.RUnlock()

	switch {
	case gone:
		return nil, fmt.Errorf("scope %s: %w", id, ErrScopeExpired)
	case live && sess.expired(now):
		e.expire(ctx, sess, now)
		return nil, fmt.Errorf("scope %s: %w", id, ErrScopeExpired)
	case live:
		return sess, nil
	case e.store == nil:
		return nil, fmt.Errorf("scope %s: %w", id, ErrScopeNotFound)
	}

	payload, err := e.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, scope.ErrNotFound) || errors.Is(err, scope.ErrExpired) {
			return nil, fmt.Errorf("scope %s: %w", id, err)
		}
		return nil, fmt.Errorf("sanitize: load scope %s: %w", id, err)
	}
	tm, meta, err := decodeSnapshot(payload)
	clear(payload)
	if err != nil {
		return nil, err
	}
	if !meta.Expires.IsZero() && !now.Before(meta.Expires) {
		tm.Zeroize()
		return nil, fmt.Errorf("scope %s: %w", id, ErrScopeExpired)
	}
	loaded := &Session{id: id, mode: tm.Mode(), persist: true, created: meta.Created, state: StateActive, expires: meta.Expires, tm: tm}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.scopes[id]; ok {
		// Another goroutine loaded it first.
		tm.Zeroize()
		return existing, nil
	}
	if _, ok := e.released[id]; ok {
		tm.Zeroize()
		return nil, fmt.Errorf("scope %s: %w", id, ErrScopeExpired)
	}
	e.scopes[id] = loaded
	e.metrics.SetActiveScopes(len(e.scopes))
	return loaded, nil
}

func (e *Engine) expire(ctx context.Context, sess *Session, now time.Time) {
	e.mu.Lock()
	if e.scopes[sess.ID()] == sess {
		delete(e.scopes, sess.ID())
	}
	e.released[sess.ID()] = now
	active := len(e.scopes)
	e.mu.Unlock()
	e.metrics.SetActiveScopes(active)
	sess.release()
	if sess.Persistent() && e.store != nil {
		if err := e.store.Release(ctx, sess.ID()); err != nil && !errors.Is(err, scope.ErrNotFound) && !errors.Is(err, scope.ErrExpired) {
			slog.Warn("sanitize: release expired scope in store", "scope", sess.ID(), "err", err)
		}
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.released, id)
	e.mu.Unlock()
}

// saver returns the callback that mirrors a session snapshot to the store.
// The stored TTL always counts down to the scope's original expiry.
func (e *Engine) saver(ctx context.Context, id string) func([]byte, time.Time) error {
	return func(payload []byte, expires time.Time) error {
		ctx, span := e.tracer.Start(ctx, "sanitize.persist")
		defer span.End()

		var ttl time.Duration
		if !expires.IsZero() {
			if ttl = expires.Sub(e.now()); ttl <= 0 {
				return fmt.Errorf("scope %s: %w", id, ErrScopeExpired)
			}
		}
		if err := e.store.Save(ctx, id, payload, ttl); err != nil {
			span.RecordError(err)
			return fmt.Errorf("sanitize: persist scope %s: %w", id, err)
		}
		return nil
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrScopeExpired):
		return "expired"
	case errors.Is(err, ErrScopeNotFound):
		return "not_found"
	case errors.Is(err, ErrConsistency):
		return "consistency"
	case errors.Is(err, ErrDetector), errors.Is(err, ErrResolverViolation):
		return "detector"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
