// Package query evaluates the four read operations over the record log:
// current state, state as of a past transaction time, state effective at
// a valid date, and full history.
//
// All point reads share one resolution core: the record with the
// greatest (transaction_time, seq) at or before a cutoff whose valid
// interval contains a valid-time point. The operations differ only in
// which cutoff and point they supply, so current_state is by definition
// as_of(now) at today's date, and a past cutoff can never observe a
// later correction.
//
// Reads are layered: result cache first, then the latest-state
// projection (current state only, when fresh), then the temporal index.
// Cache and projection are both optional and both safe to lose.
package query

import (
	"context"
	"time"

	"github.com/tidemark-io/tidemark/internal/cache"
	"github.com/tidemark-io/tidemark/internal/index"
	"github.com/tidemark-io/tidemark/internal/ledger"
	"github.com/tidemark-io/tidemark/internal/projection"
	"github.com/tidemark-io/tidemark/internal/store"
)

// DefaultMaxStaleness bounds how old a projection snapshot may be before
// current-state reads fall through to the index.
const DefaultMaxStaleness = time.Minute

// Source says which layer answered a point read.
type Source string

const (
	SourceIndex      Source = "index"
	SourceProjection Source = "projection"
	SourceCache      Source = "cache"
)

// State is the answer to a point read: the value in effect plus the
// provenance pointer of the record that set it.
type State struct {
	EntityID  string
	FieldName string

	Value    ledger.Value
	RecordID string
	Seq      int64

	TransactionTime time.Time
	ValidTimeStart  time.Time
	ValidTimeEnd    time.Time // zero when open-ended

	Source Source
}

// Evaluator answers read queries over one store.
type Evaluator struct {
	store *store.Store
	idx   *index.TemporalIndex

	proj         *projection.Projection
	results      *cache.ResultCache
	maxStaleness time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithProjection lets current-state reads be served from the latest-state
// projection when its snapshot is no older than DefaultMaxStaleness.
func WithProjection(p *projection.Projection) Option {
	return func(e *Evaluator) { e.proj = p }
}

// WithCache enables the result cache for point reads.
func WithCache(c *cache.ResultCache) Option {
	return func(e *Evaluator) { e.results = c }
}

// WithMaxStaleness overrides the projection freshness bound.
func WithMaxStaleness(d time.Duration) Option {
	return func(e *Evaluator) { e.maxStaleness = d }
}

// New creates an Evaluator over s and ix.
func New(s *store.Store, ix *index.TemporalIndex, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:        s,
		idx:          ix,
		maxStaleness: DefaultMaxStaleness,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Append records a change and invalidates cached results for its key.
func (e *Evaluator) Append(ctx context.Context, req ledger.AppendRequest) (string, error) {
	id, err := e.store.Append(ctx, req)
	if err != nil {
		return "", err
	}
	if e.results != nil {
		e.results.Invalidate(req.EntityID, req.FieldName)
	}
	return id, nil
}

// CurrentState returns the value in effect right now: the latest record
// whose valid interval contains today. found=false when the key has no
// record effective today.
func (e *Evaluator) CurrentState(ctx context.Context, entityID, fieldName string) (State, bool, error) {
	now := e.store.Clock().Now()
	today := ledger.Date(now.Year(), now.Month(), now.Day())
	sig := currentStateSignature(entityID, fieldName)

	if st, ok := e.cached(entityID, fieldName, sig); ok {
		return st, true, nil
	}

	if st, ok := e.fromProjection(entityID, fieldName); ok {
		e.cachePut(entityID, fieldName, sig, st)
		return st, true, nil
	}

	st, found, err := e.resolve(ctx, entityID, fieldName, now, today)
	if err != nil || !found {
		return State{}, false, err
	}
	e.cachePut(entityID, fieldName, sig, st)
	return st, true, nil
}

// AsOfTransactionTime answers the full audit question: what did the
// system believe, as of the cutoff instant, about the value in effect on
// validPoint? Records transacted after the cutoff are invisible, and the
// two coordinates vary independently, so a bounded interval is reachable
// at any cutoff, not just cutoffs falling inside it. The projection is
// never consulted - it only describes the present.
func (e *Evaluator) AsOfTransactionTime(ctx context.Context, entityID, fieldName string, cutoff, validPoint time.Time) (State, bool, error) {
	if cutoff.IsZero() {
		return State{}, false, ledger.NewInvalidQueryError("transaction-time cutoff is required")
	}
	if validPoint.IsZero() {
		return State{}, false, ledger.NewInvalidQueryError("valid-time point is required")
	}
	sig := asOfSignature(entityID, fieldName, cutoff, validPoint)

	if st, ok := e.cached(entityID, fieldName, sig); ok {
		return st, true, nil
	}

	st, found, err := e.resolve(ctx, entityID, fieldName, cutoff, validPoint)
	if err != nil || !found {
		return State{}, false, err
	}
	e.cachePut(entityID, fieldName, sig, st)
	return st, true, nil
}

// EffectiveAt returns the value in effect on a given date according to
// everything known now: the latest record whose valid interval contains
// the date.
func (e *Evaluator) EffectiveAt(ctx context.Context, entityID, fieldName string, validPoint time.Time) (State, bool, error) {
	if validPoint.IsZero() {
		return State{}, false, ledger.NewInvalidQueryError("valid-time point is required")
	}
	sig := effectiveAtSignature(entityID, fieldName, validPoint)

	if st, ok := e.cached(entityID, fieldName, sig); ok {
		return st, true, nil
	}

	st, found, err := e.resolve(ctx, entityID, fieldName, e.store.Clock().Now(), validPoint)
	if err != nil || !found {
		return State{}, false, err
	}
	e.cachePut(entityID, fieldName, sig, st)
	return st, true, nil
}

// History returns a key's full change sequence in ascending transaction
// order, restartable via the returned cursor. History reads bypass the
// cache: they are audits, not hot-path lookups.
func (e *Evaluator) History(ctx context.Context, q index.RangeQuery) ([]ledger.ProvenanceRecord, string, error) {
	return e.idx.Range(ctx, q)
}

// resolve is the shared core: one index lookup, shaped into a State.
func (e *Evaluator) resolve(ctx context.Context, entityID, fieldName string, cutoff, validPoint time.Time) (State, bool, error) {
	rec, found, err := e.idx.LookupAsOf(ctx, entityID, fieldName, cutoff, validPoint)
	if err != nil || !found {
		return State{}, false, err
	}
	return State{
		EntityID:        rec.EntityID,
		FieldName:       rec.FieldName,
		Value:           rec.NewValue,
		RecordID:        rec.ID,
		Seq:             rec.Seq,
		TransactionTime: rec.TransactionTime,
		ValidTimeStart:  rec.ValidTimeStart,
		ValidTimeEnd:    rec.ValidTimeEnd,
		Source:          SourceIndex,
	}, true, nil
}

func (e *Evaluator) fromProjection(entityID, fieldName string) (State, bool) {
	if e.proj == nil {
		return State{}, false
	}
	entry, age, ok := e.proj.Get(entityID, fieldName)
	if !ok || age > e.maxStaleness {
		return State{}, false
	}
	return State{
		EntityID:        entry.EntityID,
		FieldName:       entry.FieldName,
		Value:           entry.Value,
		RecordID:        entry.RecordID,
		Seq:             entry.Seq,
		TransactionTime: entry.TransactionTime,
		ValidTimeStart:  entry.ValidTimeStart,
		ValidTimeEnd:    entry.ValidTimeEnd,
		Source:          SourceProjection,
	}, true
}

func (e *Evaluator) cached(entityID, fieldName, sig string) (State, bool) {
	if e.results == nil {
		return State{}, false
	}
	v, ok := e.results.Get(entityID, fieldName, sig)
	if !ok {
		return State{}, false
	}
	st, ok := v.(State)
	if !ok {
		return State{}, false
	}
	st.Source = SourceCache
	return st, true
}

func (e *Evaluator) cachePut(entityID, fieldName, sig string, st State) {
	if e.results == nil {
		return
	}
	cost := int64(len(st.Value)) + 128
	e.results.Put(entityID, fieldName, sig, st, cost)
}
