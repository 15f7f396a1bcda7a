package txpipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/internal/circuitbreaker"
)

// HealthCheck probes the provider and reports the pipeline's state.
//
// The pipeline is unhealthy when the provider cannot be reached or its
// breaker is open, and degraded when it can run but not well: no signing
// identities, a fallback fee quote or a half-open breaker.
func (p *Pipeline) HealthCheck(ctx context.Context) Health {
	h := Health{
		Status:        HealthHealthy,
		IdentityCount: p.registry.Len(),
		QueueRunning:  p.queue.Running(),
		CheckedAt:     p.now(),
	}

	height, err := p.client.BlockNumber(ctx)
	if err != nil {
		h.Problems = append(h.Problems, fmt.Sprintf("provider unreachable: %v", err))
	} else {
		h.ProviderConnected = true
		h.BlockHeight = height
	}

	state := p.client.Breaker().State()
	h.BreakerState = state.String()

	if h.ProviderConnected {
		quote := p.fees.Estimate(ctx, p.fees.Config().DefaultPriority)
		h.CurrentFee = &quote
		if quote.Fallback {
			h.Problems = append(h.Problems, "fee estimate uses fallback values")
		}
	}
	if h.IdentityCount == 0 {
		h.Problems = append(h.Problems, "no signing identities registered")
	}

	switch {
	case !h.ProviderConnected || state == circuitbreaker.StateOpen:
		h.Status = HealthUnhealthy
	case len(h.Problems) > 0 || state == circuitbreaker.StateHalfOpen:
		h.Status = HealthDegraded
	}

	if h.Status != HealthHealthy {
		p.log.Warn("health check",
			zap.String("status", string(h.Status)),
			zap.String("breaker", h.BreakerState),
			zap.Strings("problems", h.Problems),
		)
	}
	return h
}
