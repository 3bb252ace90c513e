package service

import (
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/db"
)

// Candidate is an eligible agent with its current load.
type Candidate struct {
	Agent       db.Agent
	ActiveChats int
}

// FreeSlots is the remaining capacity of the agent.
func (c Candidate) FreeSlots() int {
	return c.Agent.MaxConcurrentChats - c.ActiveChats
}

// Eligibility is the result of filtering a group's members. The counts are
// cumulative: Online counts members that are online, Accepting counts online
// members that accept chats.
type Eligibility struct {
	Candidates []Candidate
	Total      int
	Online     int
	Accepting  int
}

// Reason diagnoses why no candidate is eligible. It returns ReasonNone when
// at least one agent is.
func (e Eligibility) Reason() FailureReason {
	switch {
	case len(e.Candidates) > 0:
		return ReasonNone
	case e.Total == 0:
		return ReasonNoAgentsInGroup
	case e.Online == 0:
		return ReasonNoOnlineAgents
	case e.Accepting == 0:
		return ReasonNoAcceptingAgents
	default:
		return ReasonAllAgentsAtCapacity
	}
}

// Describe is a human-readable explanation of the outcome for audit entries.
func (e Eligibility) Describe(groupName string) string {
	switch e.Reason() {
	case ReasonNoAgentsInGroup:
		return fmt.Sprintf("No agents in group %s", groupName)
	case ReasonNoOnlineAgents:
		return fmt.Sprintf("No online agents in group %s (%d members)", groupName, e.Total)
	case ReasonNoAcceptingAgents:
		return fmt.Sprintf("No agents accepting chats in group %s (%d online)", groupName, e.Online)
	case ReasonAllAgentsAtCapacity:
		return fmt.Sprintf("All %d accepting agents in group %s are at capacity", e.Accepting, groupName)
	}
	return fmt.Sprintf("%d eligible agents in group %s", len(e.Candidates), groupName)
}

// findEligibleAgents returns the members of group that can take one more
// conversation. It runs inside the caller's transaction and locks the member
// rows in id order, so concurrent assignments into the same group serialize
// on them and see each other's committed load.
func findEligibleAgents(tx *gorm.DB, groupID string) (Eligibility, error) {
	var members []db.Agent
	err := db.ForUpdate(tx.Model(&db.Agent{})).
		Select("agents.*").
		Joins("JOIN agent_groups ON agent_groups.agent_id = agents.id").
		Where("agent_groups.group_id = ?", groupID).
		Scopes(db.NotDeleted("agents")).
		Order("agents.id ASC").
		Find(&members).Error
	if err != nil {
		return Eligibility{}, errors.Wrap(err, "load group members")
	}

	out := Eligibility{Total: len(members)}
	var ready []db.Agent
	for _, a := range members {
		if a.Status != db.AgentStatusOnline {
			continue
		}
		out.Online++
		if !a.AcceptingChats {
			continue
		}
		out.Accepting++
		ready = append(ready, a)
	}
	if len(ready) == 0 {
		return out, nil
	}

	ids := make([]string, len(ready))
	for i, a := range ready {
		ids[i] = a.ID
	}
	load, err := countActiveChats(tx, ids)
	if err != nil {
		return Eligibility{}, err
	}
	for _, a := range ready {
		if n := load[a.ID]; n < a.MaxConcurrentChats {
			out.Candidates = append(out.Candidates, Candidate{Agent: a, ActiveChats: n})
		}
	}
	return out, nil
}

// countActiveChats returns the number of active conversations per agent.
// Agents without any are absent from the map.
func countActiveChats(tx *gorm.DB, agentIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(agentIDs))
	if len(agentIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		AssignedAgentID string
		N               int
	}
	err := tx.Model(&db.Conversation{}).
		Select("assigned_agent_id, COUNT(*) AS n").
		Where("status = ? AND assigned_agent_id IN ?", db.ConversationStatusActive, agentIDs).
		Group("assigned_agent_id").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "count active conversations")
	}
	for _, r := range rows {
		out[r.AssignedAgentID] = r.N
	}
	return out, nil
}

// lockAgentWithCapacity loads a non-deleted agent under a row lock and
// checks it can take one more conversation. Manual assignment paths skip the
// presence checks but never the capacity check.
func lockAgentWithCapacity(tx *gorm.DB, agentID string) (Candidate, FailureReason, error) {
	var agent db.Agent
	err := db.ForUpdate(tx).Scopes(db.NotDeleted("")).Where("id = ?", agentID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Candidate{}, ReasonAgentNotFound, nil
	}
	if err != nil {
		return Candidate{}, ReasonNone, errors.Wrap(err, "load agent")
	}
	load, err := countActiveChats(tx, []string{agent.ID})
	if err != nil {
		return Candidate{}, ReasonNone, err
	}
	c := Candidate{Agent: agent, ActiveChats: load[agent.ID]}
	if c.FreeSlots() <= 0 {
		return c, ReasonAgentAtCapacity, nil
	}
	return c, ReasonNone, nil
}
