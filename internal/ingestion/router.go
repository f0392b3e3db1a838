package ingestion

import (
	"context"
	"errors"
	"time"

	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	"HedgeVault/internal/ledger"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/vault"
	"HedgeVault/internal/venue"

	"github.com/rs/zerolog"
)

// Disposition is what the router did with a message.
type Disposition int

const (
	Acked Disposition = iota
	Nacked
	Termed
)

// Router decodes raw messages and feeds them to the vault. Prices and
// positions update the venue caches directly; everything else becomes a
// command submitted through the command loop.
type Router struct {
	rawChan   <-chan RawMessage
	submitter core.Submitter
	prices    *venue.PriceCache
	hedge     *venue.NATSHedgeVenue
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewRouter(
	rawChan <-chan RawMessage,
	submitter core.Submitter,
	prices *venue.PriceCache,
	hedge *venue.NATSHedgeVenue,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Router {
	return &Router{
		rawChan:   rawChan,
		submitter: submitter,
		prices:    prices,
		hedge:     hedge,
		metrics:   metrics,
		log:       log.With().Str("component", "router").Logger(),
	}
}

// Run routes messages until ctx is cancelled or rawChan is closed.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.rawChan:
			if !ok {
				return nil
			}
			r.settle(raw, r.Route(ctx, raw))
		}
	}
}

func (r *Router) settle(raw RawMessage, d Disposition) {
	var fn func()
	switch d {
	case Acked:
		fn = raw.Ack
	case Nacked:
		fn = raw.Nak
	case Termed:
		fn = raw.Term
	}
	if fn != nil {
		fn()
	}
}

// Route handles one message and reports how it should be acknowledged.
func (r *Router) Route(ctx context.Context, raw RawMessage) Disposition {
	if r.metrics != nil && !raw.Received.IsZero() {
		r.metrics.NATSPullLatency.WithLabelValues(raw.Kind).Observe(time.Since(raw.Received).Seconds())
	}

	switch raw.Kind {
	case KindPrice:
		return r.routePrice(raw)

	case KindHedgePosition:
		pos, err := ParsePosition(raw.Data)
		if err != nil {
			r.log.Error().Err(err).Str("subject", raw.Subject).Msg("dropping position report")
			return Termed
		}
		if r.hedge != nil && !r.hedge.UpdatePosition(pos) {
			r.log.Debug().Int64("as_of", pos.AsOf).Msg("ignoring older position report")
			return Acked
		}
		return r.submit(ctx, raw, &event.PositionReport{Position: pos})

	case KindHedgeConfirmation:
		cmd, err := ParseConfirmation(raw.Data)
		if err != nil {
			r.log.Error().Err(err).Str("subject", raw.Subject).Msg("dropping confirmation")
			return Termed
		}
		if cmd.Result.Position != nil && r.hedge != nil {
			r.hedge.UpdatePosition(*cmd.Result.Position)
		}
		return r.submit(ctx, raw, cmd)
	}

	cmd, err := ParseCommand(raw.Kind, raw.Data)
	if err != nil {
		r.log.Error().Err(err).Str("subject", raw.Subject).Msg("dropping command")
		return Termed
	}
	return r.submit(ctx, raw, cmd)
}

func (r *Router) routePrice(raw RawMessage) Disposition {
	u, err := ParsePrice(raw.Data)
	if err != nil {
		r.log.Error().Err(err).Str("subject", raw.Subject).Msg("dropping price")
		return Termed
	}
	applied, err := r.prices.Update(u)
	if err != nil {
		r.log.Warn().Err(err).Int64("sequence", u.Sequence).Msg("price rejected")
		return Termed
	}
	if applied && r.metrics != nil {
		name, _ := ledger.GetAssetName(u.Asset)
		r.metrics.PriceUpdatesApplied.WithLabelValues(name).Inc()
	}
	return Acked
}

func (r *Router) submit(ctx context.Context, raw RawMessage, cmd event.Command) Disposition {
	rec, err := r.submitter.Submit(ctx, cmd)
	if r.metrics != nil && !raw.Received.IsZero() {
		r.metrics.IngestToApply.WithLabelValues(cmd.CommandType().String()).Observe(time.Since(raw.Received).Seconds())
	}

	d := disposition(err)
	ev := r.log.Debug()
	if d == Nacked {
		ev = r.log.Warn()
	} else if err != nil && !errors.Is(err, core.ErrDuplicateCommand) {
		ev = r.log.Info()
	}
	ev = ev.Str("key", cmd.IdempotencyKey()).Str("type", cmd.CommandType().String())
	if rec != nil && rec.Batch != nil {
		ev = ev.Int64("sequence", rec.Batch.Sequence)
	}
	ev.Err(err).Msg("command routed")
	return d
}

// disposition maps a submit error to an acknowledgement. Business rejections
// are final and acked; failures that may clear on retry are redelivered.
func disposition(err error) Disposition {
	switch {
	case err == nil, errors.Is(err, core.ErrDuplicateCommand):
		return Acked
	case errors.Is(err, ErrMalformed), errors.Is(err, core.ErrMissingKey), errors.Is(err, core.ErrUnknownCommand):
		return Termed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrLoopStopped):
		return Nacked
	}
	switch vault.Classify(err) {
	case vault.ClassExternal, vault.ClassInternal:
		return Nacked
	}
	return Acked
}
