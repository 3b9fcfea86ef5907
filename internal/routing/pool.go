package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bayanihan-labs/baha/internal/geo"
	"github.com/bayanihan-labs/baha/internal/mail"
)

// EvacuationRequest asks for the nearest feasible route out of a set of
// candidate destinations.
type EvacuationRequest struct {
	Start      geo.Point
	Mode       Mode
	Candidates []geo.Point
}

// Pool serves route envelopes from the router mailbox on a fixed set of
// workers. Each query runs against its own graph snapshot, so workers never
// contend beyond the snapshot's brief read lock.
type Pool struct {
	router  *Router
	logger  *slog.Logger
	x       *mail.Exchange
	workers int

	wg sync.WaitGroup
}

// NewPool creates a pool of workers over router. The worker count comes from
// the routing configuration.
func NewPool(router *Router, logger *slog.Logger, x *mail.Exchange, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{router: router, logger: logger, x: x, workers: workers}
}

// Start launches the workers. They exit when ctx is canceled or the exchange
// closes; Wait blocks until all have drained.
func (p *Pool) Start(ctx context.Context) {
	p.x.Register(mail.AgentRouter)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.serve(ctx)
		}()
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) serve(ctx context.Context) {
	for {
		msg, err := p.x.Receive(ctx, mail.AgentRouter)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, mail.ErrClosed) {
				return
			}
			p.logger.Warn("router receive failed", slog.Any("error", err))
			return
		}
		p.handle(ctx, msg)
	}
}

// handle answers one envelope: CONFIRM with the plan, FAILURE with the typed
// failure, or REFUSE for anything that is not a route request.
func (p *Pool) handle(ctx context.Context, msg mail.Message) {
	if msg.Performative != mail.Request || msg.Ontology != mail.OntologyRoute {
		p.reply(msg, mail.Refuse, "unsupported request")
		return
	}

	var (
		plan Plan
		err  error
	)
	switch req := msg.Content.(type) {
	case Request:
		plan, err = p.router.Route(ctx, req)
	case EvacuationRequest:
		plan, err = p.router.Evacuate(ctx, req.Start, req.Mode, req.Candidates)
	default:
		p.reply(msg, mail.Refuse, "unsupported payload")
		return
	}

	if err != nil {
		if f, ok := AsFailure(err); ok {
			p.reply(msg, mail.Failure, *f)
			return
		}
		p.reply(msg, mail.Failure, Failure{Kind: FailNoSafeRoute, Detail: err.Error()})
		return
	}
	p.reply(msg, mail.Confirm, plan)
}

func (p *Pool) reply(msg mail.Message, perf mail.Performative, content any) {
	if err := p.x.Send(mail.Reply(msg, perf, content)); err != nil {
		p.logger.Warn("route reply dropped",
			slog.String("to", string(msg.Sender)), slog.Any("error", err))
	}
}
