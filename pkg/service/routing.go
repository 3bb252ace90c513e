package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/db"
)

// VisitorHistory returns the assignee of the visitor's most recent
// conversation handled by one of agentIDs, or "" when there is none.
type VisitorHistory func(ctx context.Context, visitorID string, agentIDs []string) (string, error)

// Selector picks one agent from an eligible set according to a group's
// routing strategy.
type Selector struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSelector uses rnd for round-robin picks; nil seeds from the clock.
func NewSelector(rnd *rand.Rand) *Selector {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{rnd: rnd}
}

// Select returns the chosen candidate, or ok=false when candidates is empty.
// Unknown strategies fall back to round robin.
func (s *Selector) Select(ctx context.Context, strategy string, candidates []Candidate, visitorID string, history VisitorHistory) (Candidate, bool, error) {
	if len(candidates) == 0 {
		return Candidate{}, false, nil
	}
	switch strategy {
	case db.RoutingLeastLoaded:
		return leastLoaded(candidates), true, nil
	case db.RoutingSticky:
		c, err := s.sticky(ctx, candidates, visitorID, history)
		return c, true, err
	default:
		return s.random(candidates), true, nil
	}
}

// random backs the round_robin strategy: a uniform pick, no rotation state.
func (s *Selector) random(candidates []Candidate) Candidate {
	s.mu.Lock()
	i := s.rnd.Intn(len(candidates))
	s.mu.Unlock()
	return candidates[i]
}

// leastLoaded picks the most free capacity, ties broken by lowest agent id.
func leastLoaded(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		free, bestFree := c.FreeSlots(), best.FreeSlots()
		if free > bestFree || (free == bestFree && c.Agent.ID < best.Agent.ID) {
			best = c
		}
	}
	return best
}

func (s *Selector) sticky(ctx context.Context, candidates []Candidate, visitorID string, history VisitorHistory) (Candidate, error) {
	if visitorID != "" && history != nil {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.Agent.ID
		}
		previous, err := history(ctx, visitorID, ids)
		if err != nil {
			return Candidate{}, err
		}
		for _, c := range candidates {
			if c.Agent.ID == previous {
				return c, nil
			}
		}
	}
	return leastLoaded(candidates), nil
}

// visitorHistory reads previous assignments of a visitor inside tx.
func visitorHistory(tx *gorm.DB) VisitorHistory {
	return func(ctx context.Context, visitorID string, agentIDs []string) (string, error) {
		if len(agentIDs) == 0 {
			return "", nil
		}
		var ids []string
		err := tx.WithContext(ctx).Model(&db.Conversation{}).
			Where("visitor_id = ? AND assigned_agent_id IN ?", visitorID, agentIDs).
			Order("created_at DESC").
			Order("id DESC").
			Limit(1).
			Pluck("assigned_agent_id", &ids).Error
		if err != nil {
			return "", errors.Wrap(err, "load visitor history")
		}
		if len(ids) == 0 {
			return "", nil
		}
		return ids[0], nil
	}
}
