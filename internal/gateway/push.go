package gateway

import (
	"context"
	"time"

	"github.com/soyeahso/tradesim/internal/domain"
	"github.com/soyeahso/tradesim/internal/hooks"
)

// forwardedEvents are the hook events relayed to clients as fleet.event.
var forwardedEvents = []string{
	hooks.EventAgentCreated,
	hooks.EventAgentStarted,
	hooks.EventAgentStopped,
	hooks.EventAgentDeleted,
	hooks.EventAgentDegraded,
	hooks.EventAgentRecovered,
	hooks.EventFleetBootstrapped,
}

func (s *Server) forwardHook(_ context.Context, p hooks.Payload) error {
	if s.clients.Count() == 0 {
		return nil
	}
	s.clients.Broadcast(EventFleet, p, s.eventSeq.Add(1))
	return nil
}

// pushLoop broadcasts a portfolio snapshot every PushIntervalSeconds.
func (s *Server) pushLoop(ctx context.Context) {
	if s.agents == nil || s.cfg.PushIntervalSeconds <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(s.cfg.PushIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pushPortfolio(ctx)
		}
	}
}

func (s *Server) pushPortfolio(ctx context.Context) {
	if s.clients.Count() == 0 {
		return
	}
	entries, err := s.portfolio(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("portfolio snapshot failed")
		return
	}
	s.clients.Broadcast(EventPortfolio, entries, s.eventSeq.Add(1))
}

func (s *Server) portfolio(ctx context.Context) ([]domain.PortfolioEntry, error) {
	agents, err := s.agents.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PortfolioEntry, len(agents))
	for i, a := range agents {
		out[i] = domain.PortfolioEntry{
			ID:          a.ID,
			Name:        a.Name,
			IsActive:    a.IsActive,
			LastTradeAt: a.LastTradeAt,
		}
	}
	return out, nil
}
