package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devopschat/pkg/logger"
	"devopschat/pkg/metrics"
)

const DefaultExecTimeout = 10 * time.Second

// Operation runs one method. The returned value is JSON-encoded into the
// reply payload; an error becomes a failure reply carrying its text.
type Operation func(ctx context.Context, params json.RawMessage) (any, error)

// Operations is the closed table of methods a Responder serves.
type Operations map[Method]Operation

// ResponderOptions tunes a Responder. Zero values select the defaults.
type ResponderOptions struct {
	// TrustedOrigins may call unsafe methods. AnyOrigin trusts everyone and
	// must be listed explicitly.
	TrustedOrigins []string
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Responder is the agent side: it answers call envelopes posted to it.
type Responder struct {
	ops     Operations
	trusted map[string]struct{}
	timeout time.Duration
	log     *slog.Logger

	inflight sync.WaitGroup
}

// NewResponder rejects tables containing methods outside Methods.
func NewResponder(ops Operations, opts ResponderOptions) (*Responder, error) {
	for method, op := range ops {
		if !method.Valid() {
			return nil, fmt.Errorf("unsupported method %q in operation table", method)
		}
		if op == nil {
			return nil, fmt.Errorf("nil operation for %q", method)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultExecTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	trusted := make(map[string]struct{}, len(opts.TrustedOrigins))
	for _, origin := range opts.TrustedOrigins {
		trusted[origin] = struct{}{}
	}

	return &Responder{
		ops:     ops,
		trusted: trusted,
		timeout: opts.Timeout,
		log:     logger.Component(opts.Logger, "rpc.responder"),
	}, nil
}

// HandleMessage answers call envelopes. Each call runs on its own goroutine
// and replies to ev.Source at ev.Origin. Everything else is dropped.
func (r *Responder) HandleMessage(ev MessageEvent) {
	env, err := Decode(ev.Data)
	if err != nil {
		r.log.Debug("Dropping message", "origin", ev.Origin, "error", err)
		return
	}
	if env.Kind != KindCall || ev.Source == nil {
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.serve(ev, env)
	}()
}

// Wait blocks until every call accepted so far has replied.
func (r *Responder) Wait() {
	r.inflight.Wait()
}

// Trusted reports whether origin may call unsafe methods.
func (r *Responder) Trusted(origin string) bool {
	if _, ok := r.trusted[AnyOrigin]; ok {
		return true
	}
	_, ok := r.trusted[origin]
	return ok
}

func (r *Responder) serve(ev MessageEvent, env Envelope) {
	reply := r.execute(ev.Origin, env)

	label := string(env.Method)
	if _, ok := r.ops[env.Method]; !ok {
		label = "unknown"
	}
	metrics.RPCServedTotal.WithLabelValues(label, fmt.Sprint(reply.Succeeded())).Inc()

	if err := ev.Source.PostMessage(reply, ev.Origin); err != nil {
		r.log.Warn("Reply failed", "id", env.ID, "method", env.Method, "origin", ev.Origin, "error", err)
		return
	}
	if !reply.Succeeded() {
		r.log.Debug("Call failed", "id", env.ID, "method", env.Method, "error", reply.Error)
	}
}

func (r *Responder) execute(origin string, env Envelope) (reply Envelope) {
	defer func() {
		if p := recover(); p != nil {
			reply = NewFailure(env.ID, fmt.Sprintf("internal error: %v", p))
		}
	}()

	op, ok := r.ops[env.Method]
	if !ok {
		return NewFailure(env.ID, fmt.Sprintf("Unknown method: %s", env.Method))
	}
	if env.Method.Unsafe() && !r.Trusted(origin) {
		r.log.Warn("Refused unsafe call", "method", env.Method, "origin", origin)
		return NewFailure(env.ID, fmt.Sprintf("origin %s is not allowed to call %s", origin, env.Method))
	}

	result, err := r.run(op, env)
	if err != nil {
		return NewFailure(env.ID, err.Error())
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return NewFailure(env.ID, fmt.Sprintf("serialize result: %v", err))
	}
	return NewResult(env.ID, payload)
}

type opResult struct {
	value any
	err   error
}

// run executes op under the per-call deadline. An operation that ignores its
// context is abandoned once the deadline passes.
func (r *Responder) run(op Operation, env Envelope) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	done := make(chan opResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- opResult{err: fmt.Errorf("%v", p)}
			}
		}()
		value, err := op(ctx, env.Params)
		done <- opResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s timed out after %s", env.Method, r.timeout)
	}
}
