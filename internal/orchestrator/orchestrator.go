// Package orchestrator runs one query through the routing pipeline:
// sanitize, semantic cache lookup, intent classification, exactly one
// handler, cache write, conversation append.
//
// Every request walks the state table in state.go. A cache hit ends the walk
// at DONE right after CACHE_CHECKED; any failure ends it at FAILED with a
// public error. No state is entered twice and no lock is held across a call
// to the model, the database, the index or the cache.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tagrouter/cli/internal/conversation"
	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/logging"
	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/sanitize"
	"tagrouter/cli/internal/semcache"
)

// Sanitizer cleans raw input.
type Sanitizer interface {
	Inspect(raw string) sanitize.Report
}

// AnswerCache is the semantic cache.
type AnswerCache interface {
	Lookup(ctx context.Context, text string, cc model.ConversationContext) (semcache.Probe, error)
	StoreProbe(ctx context.Context, p semcache.Probe, a model.Answer) error
}

// Classifier labels a query. It never fails.
type Classifier interface {
	Classify(ctx context.Context, text string, cc model.ConversationContext) model.IntentLabel
}

// SchemaSource supplies the structured-store schema.
type SchemaSource interface {
	Snapshot(ctx context.Context) (model.SchemaSnapshot, error)
}

// StructuredHandler answers STRUCTURED_QUERY.
type StructuredHandler interface {
	HandleQuery(ctx context.Context, q model.Query, snap model.SchemaSnapshot, cc model.ConversationContext) (model.Answer, error)
}

// Handler answers KNOWLEDGE_RETRIEVAL and GENERAL_CHAT.
type Handler interface {
	Handle(ctx context.Context, text string, cc model.ConversationContext) (model.Answer, error)
}

// Request is one inbound query.
type Request struct {
	Text      string
	SessionID string
}

// Event reports a state change of one request.
type Event struct {
	RequestID string
	SessionID string
	State     State
	Intent    model.Intent
}

// Deps are the collaborators. Cache, Schema, Structured and Knowledge may be
// nil: a nil cache is bypassed, a missing handler fails the request with the
// kind its source would report.
type Deps struct {
	Sanitizer     Sanitizer
	Cache         AnswerCache
	Classifier    Classifier
	Schema        SchemaSource
	Structured    StructuredHandler
	Knowledge     Handler
	Chat          Handler
	Conversations conversation.Store
}

// Options bounds the calls the orchestrator makes itself. Handlers apply
// their own per-call timeouts.
type Options struct {
	// HistoryTurns is how many prior turns are loaded for a request.
	HistoryTurns int
	CacheTimeout time.Duration
	StoreTimeout time.Duration
	// RequestTimeout bounds the whole pipeline.
	RequestTimeout time.Duration
	// Observer, when set, is called on every state change. It runs on the
	// request goroutine and must not block.
	Observer func(Event)
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	deps Deps
	opts Options
	seq  *sequencer
	now  func() time.Time
}

// New validates deps and returns an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Sanitizer == nil || deps.Classifier == nil || deps.Chat == nil {
		return nil, fmt.Errorf("orchestrator: sanitizer, classifier and chat handler are required")
	}
	if deps.Conversations == nil {
		deps.Conversations = conversation.NewMemoryStore(0, 0)
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 8
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = 500 * time.Millisecond
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 90 * time.Second
	}
	return &Orchestrator{deps: deps, opts: opts, seq: newSequencer(), now: time.Now}, nil
}

// run is the per-request state of one pipeline walk.
type run struct {
	o      *Orchestrator
	id     string
	query  model.Query
	state  State
	intent model.Intent
	logger zerolog.Logger
	start  time.Time
}

func (r *run) advance(to State) error {
	if !CanTransition(r.state, to) {
		return errs.New(errs.InternalError, fmt.Sprintf("illegal transition %s -> %s", r.state, to))
	}
	r.logger.Debug().Str("from", r.state.String()).Str("state", to.String()).Msg("pipeline transition")
	r.state = to
	if r.o.opts.Observer != nil {
		r.o.opts.Observer(Event{RequestID: r.id, SessionID: r.query.SessionID, State: to, Intent: r.intent})
	}
	return nil
}

func (r *run) fail(err error) error {
	if err := r.advance(Failed); err != nil {
		r.logger.Error().Err(err).Msg("pipeline could not enter FAILED")
	}
	pub := errs.Public(err)
	ev := r.logger.Warn()
	if pub.Kind == errs.InternalError {
		ev = r.logger.Error()
	}
	ev.Str("kind", string(pub.Kind)).Str("cause", logging.Mask(err.Error())).
		Int64("latency_ms", r.elapsed()).Msg("request failed")
	return pub
}

func (r *run) elapsed() int64 { return r.o.now().Sub(r.start).Milliseconds() }

// Handle answers req. The returned error, when non-nil, is always a public
// *errors.E safe to show to the caller.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (ans model.Answer, err error) {
	r := &run{o: o, id: uuid.NewString(), state: Received, start: o.now()}
	r.query = model.Query{RawText: req.Text, SessionID: req.SessionID, Timestamp: r.start}
	r.logger = log.With().Str("request_id", r.id).Str("session_id", req.SessionID).Logger()

	tk := o.seq.take(req.SessionID)
	defer tk.release()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("pipeline panic")
			ans, err = model.Answer{}, r.fail(errs.New(errs.InternalError, fmt.Sprint(p)))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	defer cancel()

	ans, err = o.walk(ctx, r, tk)
	if err != nil {
		return model.Answer{}, r.fail(err)
	}
	return ans, nil
}

func (o *Orchestrator) walk(ctx context.Context, r *run, tk *ticket) (model.Answer, error) {
	// RECEIVED -> SANITIZED
	rep := o.deps.Sanitizer.Inspect(r.query.RawText)
	r.query.SanitizedText = rep.Text
	r.query.InjectionSuspected = rep.InjectionSuspected
	if err := r.advance(Sanitized); err != nil {
		return model.Answer{}, err
	}
	if rep.InjectionSuspected || len(rep.Redactions) > 0 {
		r.logger.Info().Bool("injection_suspected", rep.InjectionSuspected).
			Interface("redactions", rep.Redactions).Msg("input sanitized")
	}
	text := r.query.SanitizedText

	cc := o.history(ctx, r)
	r.query.TurnIndex = len(cc.Turns)

	// SANITIZED -> CACHE_CHECKED
	probe, cacheOK := o.lookup(ctx, r, text, cc)
	if err := r.advance(CacheChecked); err != nil {
		return model.Answer{}, err
	}
	if probe.Hit {
		a := probe.Answer
		r.intent = a.SourceKind
		if err := r.advance(Done); err != nil {
			return model.Answer{}, err
		}
		a.LatencyMs = r.elapsed()
		o.appendTurn(ctx, r, tk, a)
		r.logger.Info().Str("intent", string(a.SourceKind)).Int64("hit_count", a.HitCount).
			Int64("latency_ms", a.LatencyMs).Msg("answered from cache")
		return a, nil
	}

	// CACHE_CHECKED -> CLASSIFIED
	label := o.deps.Classifier.Classify(ctx, text, cc)
	r.intent = label.Intent
	r.logger.Debug().Str("intent", string(label.Intent)).Float64("confidence", label.Confidence).
		Bool("use_context", label.UseContext).Msg("classified")
	if err := r.advance(Classified); err != nil {
		return model.Answer{}, err
	}

	// CLASSIFIED -> DISPATCHED -> ANSWERED
	agentCC := model.ConversationContext{SessionID: cc.SessionID}
	if label.UseContext {
		agentCC = cc
	}
	if err := r.advance(Dispatched); err != nil {
		return model.Answer{}, err
	}
	a, err := o.dispatch(ctx, label.Intent, r.query, agentCC)
	if err != nil {
		return model.Answer{}, err
	}
	a.SourceKind = label.Intent
	if err := r.advance(Answered); err != nil {
		return model.Answer{}, err
	}

	// ANSWERED -> CACHED. An answer built from earlier turns is specific to
	// this session, and one for a question the sanitizer had to neutralize is
	// not trusted; neither is shared through the cache.
	if cacheOK && !label.UseContext && !r.query.InjectionSuspected {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CacheTimeout)
		if err := o.deps.Cache.StoreProbe(sctx, probe, a); err != nil {
			r.logger.Warn().Err(err).Msg("cache store failed, answer not cached")
		}
		cancel()
	}
	if err := r.advance(Cached); err != nil {
		return model.Answer{}, err
	}

	// CACHED -> DONE
	if err := r.advance(Done); err != nil {
		return model.Answer{}, err
	}
	a.Cached, a.HitCount = false, 0
	a.LatencyMs = r.elapsed()
	o.appendTurn(ctx, r, tk, a)
	r.logger.Info().Str("intent", string(a.SourceKind)).Int64("latency_ms", a.LatencyMs).Msg("answered")
	return a, nil
}

func (o *Orchestrator) history(ctx context.Context, r *run) model.ConversationContext {
	cc := model.ConversationContext{SessionID: r.query.SessionID}
	if r.query.SessionID == "" {
		return cc
	}
	hctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
	defer cancel()
	got, err := o.deps.Conversations.Read(hctx, r.query.SessionID, o.opts.HistoryTurns)
	if err != nil {
		r.logger.Warn().Err(err).Msg("conversation read failed, continuing without history")
		return cc
	}
	return got
}

// lookup reports whether the cache is usable for this request; a failed
// lookup bypasses the cache for both read and write.
func (o *Orchestrator) lookup(ctx context.Context, r *run, text string, cc model.ConversationContext) (semcache.Probe, bool) {
	if o.deps.Cache == nil {
		return semcache.Probe{}, false
	}
	lctx, cancel := context.WithTimeout(ctx, o.opts.CacheTimeout)
	defer cancel()
	p, err := o.deps.Cache.Lookup(lctx, text, cc)
	if err != nil {
		r.logger.Warn().Err(err).Str("kind", string(errs.CacheUnavailable)).Msg("cache bypassed")
		return semcache.Probe{}, false
	}
	return p, true
}

func (o *Orchestrator) dispatch(ctx context.Context, intent model.Intent, q model.Query, cc model.ConversationContext) (model.Answer, error) {
	text := q.SanitizedText
	switch intent {
	case model.StructuredQuery:
		if o.deps.Schema == nil || o.deps.Structured == nil {
			return model.Answer{}, errs.New(errs.SchemaUnavailable, "no database is configured")
		}
		snap, err := o.deps.Schema.Snapshot(ctx)
		if err != nil {
			return model.Answer{}, err
		}
		return o.deps.Structured.HandleQuery(ctx, q, snap, cc)
	case model.KnowledgeRetrieval:
		if o.deps.Knowledge == nil {
			return model.Answer{}, errs.New(errs.UpstreamUnavailable, "no knowledge index is configured")
		}
		return o.deps.Knowledge.Handle(ctx, text, cc)
	case model.GeneralChat:
		return o.deps.Chat.Handle(ctx, text, cc)
	}
	return model.Answer{}, errs.New(errs.InternalError, "unroutable intent "+string(intent))
}

// appendTurn writes the finished turn after every earlier request of the
// session has written or given up. The write survives caller cancellation.
func (o *Orchestrator) appendTurn(ctx context.Context, r *run, tk *ticket, a model.Answer) {
	if r.query.SessionID == "" {
		return
	}
	tk.wait()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.StoreTimeout)
	defer cancel()
	t := model.Turn{Query: r.query.SanitizedText, Answer: a.Text, Kind: a.SourceKind, At: r.query.Timestamp}
	if err := o.deps.Conversations.Append(actx, r.query.SessionID, t); err != nil {
		r.logger.Warn().Err(err).Msg("conversation append failed")
	}
}
