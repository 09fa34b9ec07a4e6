package sequencer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/onboarding92/bitchange/pkg/app/core/types"
	"github.com/onboarding92/bitchange/pkg/metrics"
)

// Executor applies one intent. The actor is its only caller.
type Executor interface {
	Execute(ctx context.Context, in *types.Intent) (*types.Result, error)
}

type Config struct {
	QueueSize         int
	MaxPersistRetries int           // persistence failures retried before the caller sees ErrPersistenceFailure
	InitialInterval   time.Duration // first retry delay
	MaxInterval       time.Duration // cap on retry delay
}

func DefaultConfig() Config {
	return Config{
		QueueSize:         1024,
		MaxPersistRetries: 3,
		InitialInterval:   time.Millisecond,
		MaxInterval:       50 * time.Millisecond,
	}
}

type reply struct {
	res *types.Result
	err error
}

type request struct {
	ctx    context.Context
	intent *types.Intent
	reply  chan reply
}

// Actor is the single writer of one pair.
// Places and cancels share its queue, so they are applied in arrival order.
type Actor struct {
	pair    string
	exec    Executor
	seq     *Sequence
	cfg     Config
	queue   chan *request
	done    chan struct{}
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewActor(pair string, exec Executor, seq *Sequence, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) *Actor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Actor{
		pair:    pair,
		exec:    exec,
		seq:     seq,
		cfg:     cfg,
		queue:   make(chan *request, cfg.QueueSize),
		done:    make(chan struct{}),
		log:     log,
		metrics: m,
	}
}

func (a *Actor) Pair() string { return a.pair }

// Done is closed once Run has returned
func (a *Actor) Done() <-chan struct{} { return a.done }

// Submit enqueues an intent and waits for its result.
// If ctx ends before the intent is dequeued, the intent is dropped without effect.
func (a *Actor) Submit(ctx context.Context, in *types.Intent) (*types.Result, error) {
	req := &request{ctx: ctx, intent: in, reply: make(chan reply, 1)}

	select {
	case <-a.done:
		return nil, types.ErrSequencerStopped
	default:
	}

	select {
	case a.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, types.ErrSequencerStopped
	}

	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		select {
		case r := <-req.reply:
			return r.res, r.err
		default:
			return nil, types.ErrSequencerStopped
		}
	}
}

// Run processes the queue until ctx is cancelled
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	a.log.Infow("actor_started", "pair", a.pair, "queue_size", a.cfg.QueueSize)

	for {
		select {
		case <-ctx.Done():
			a.drain()
			a.log.Infow("actor_stopped", "pair", a.pair)
			return
		case req := <-a.queue:
			a.handle(ctx, req)
		}
	}
}

func (a *Actor) drain() {
	for {
		select {
		case req := <-a.queue:
			req.reply <- reply{err: types.ErrSequencerStopped}
		default:
			return
		}
	}
}

func (a *Actor) handle(ctx context.Context, req *request) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- reply{err: err}
		return
	}

	start := time.Now()
	in := req.intent
	in.Pair = a.pair
	if in.Seq == 0 {
		in.Seq = a.seq.Next()
	}

	res, err := a.execute(ctx, in)
	a.metrics.ObserveIntent(a.pair, in.Kind.String(), time.Since(start))
	req.reply <- reply{res: res, err: err}
}

// execute retries conflicts without limit and persistence failures up to
// MaxPersistRetries, at the head of the queue so no later intent overtakes.
func (a *Actor) execute(ctx context.Context, in *types.Intent) (*types.Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.InitialInterval
	bo.MaxInterval = a.cfg.MaxInterval
	bo.MaxElapsedTime = 0

	persistFailures := 0
	op := func() (*types.Result, error) {
		res, err := a.exec.Execute(ctx, in)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, types.ErrConcurrentModification):
			a.metrics.CommitRetry(a.pair, "conflict")
			a.log.Debugw("commit_retry", "pair", a.pair, "seq", in.Seq, "reason", "conflict")
			return nil, err
		case errors.Is(err, types.ErrPersistenceFailure):
			persistFailures++
			if persistFailures > a.cfg.MaxPersistRetries {
				return nil, backoff.Permanent(err)
			}
			a.metrics.CommitRetry(a.pair, "persistence")
			a.log.Warnw("commit_retry", "pair", a.pair, "seq", in.Seq, "reason", "persistence", "attempt", persistFailures, "err", err)
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	res, err := backoff.RetryWithData(op, backoff.WithContext(bo, ctx))
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil, types.ErrSequencerStopped
	}
	return res, err
}
