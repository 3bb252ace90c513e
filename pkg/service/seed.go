package service

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/auth"
	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/models"
)

// SeedFile describes agents and groups to create at startup.
type SeedFile struct {
	Groups []SeedGroup `yaml:"groups"`
	Agents []SeedAgent `yaml:"agents"`
}

type SeedGroup struct {
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	RoutingStrategy string `yaml:"routing_strategy"`
	Default         bool   `yaml:"default"`
}

type SeedAgent struct {
	Name                  string                 `yaml:"name"`
	Email                 string                 `yaml:"email"`
	Password              string                 `yaml:"password"`
	Role                  string                 `yaml:"role"`
	Status                string                 `yaml:"status"`
	AcceptingChats        *bool                  `yaml:"accepting_chats"`
	MaxConcurrentChats    int                    `yaml:"max_concurrent_chats"`
	AutoAwayMinutes       int                    `yaml:"auto_away_minutes"`
	SessionTimeoutMinutes *int                   `yaml:"session_timeout_minutes"`
	Groups                []string               `yaml:"groups"`
	Schedule              []models.ScheduleEntry `yaml:"schedule"`
}

// SeedSummary counts what Seed created. Existing rows are left untouched.
type SeedSummary struct {
	GroupsCreated      int
	AgentsCreated      int
	MembershipsCreated int
}

// LoadSeedFile reads and validates a YAML seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read seed file %s", path)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse seed file")
	}

	groups := make(map[string]bool, len(f.Groups))
	defaults := 0
	for i := range f.Groups {
		g := &f.Groups[i]
		g.Name = strings.TrimSpace(g.Name)
		if g.Name == "" {
			return nil, errors.Errorf("group %d: name is required", i)
		}
		if g.RoutingStrategy == "" {
			g.RoutingStrategy = db.RoutingRoundRobin
		}
		switch g.RoutingStrategy {
		case db.RoutingRoundRobin, db.RoutingLeastLoaded, db.RoutingSticky:
		default:
			return nil, errors.Errorf("group %s: unknown routing strategy %q", g.Name, g.RoutingStrategy)
		}
		if g.Default {
			defaults++
		}
		groups[g.Name] = true
	}
	if defaults > 1 {
		return nil, errors.New("at most one group can be the default")
	}

	for i := range f.Agents {
		a := &f.Agents[i]
		a.Email = strings.ToLower(strings.TrimSpace(a.Email))
		if a.Email == "" || a.Name == "" {
			return nil, errors.Errorf("agent %d: name and email are required", i)
		}
		if a.Role == "" {
			a.Role = db.AgentRoleAgent
		}
		switch a.Role {
		case db.AgentRoleAgent, db.AgentRoleSupervisor, db.AgentRoleAdmin:
		default:
			return nil, errors.Errorf("agent %s: unknown role %q", a.Email, a.Role)
		}
		if a.Status == "" {
			a.Status = db.AgentStatusOffline
		}
		if !db.ValidAgentStatus(a.Status) {
			return nil, errors.Errorf("agent %s: unknown status %q", a.Email, a.Status)
		}
		for _, name := range a.Groups {
			if !groups[name] {
				return nil, errors.Errorf("agent %s: unknown group %q", a.Email, name)
			}
		}
		for j, e := range a.Schedule {
			e, err := validateScheduleEntry(e)
			if err != nil {
				return nil, errors.Wrapf(err, "agent %s: schedule %d", a.Email, j)
			}
			a.Schedule[j] = e
		}
	}
	return &f, nil
}

// Seed creates missing groups, agents and memberships. Groups are matched by
// name and agents by email; existing rows keep their current values.
func Seed(ctx context.Context, gdb *gorm.DB, f *SeedFile, logger *zap.Logger) (SeedSummary, error) {
	var sum SeedSummary
	if f == nil {
		return sum, nil
	}
	now := utcNow()

	err := gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		groupIDs := make(map[string]string, len(f.Groups))
		for _, sg := range f.Groups {
			var g db.Group
			err := tx.Where("name = ?", sg.Name).First(&g).Error
			switch {
			case err == nil:
			case errors.Is(err, gorm.ErrRecordNotFound):
				g = db.Group{
					ID:              uuid.New().String(),
					Name:            sg.Name,
					Description:     sg.Description,
					RoutingStrategy: sg.RoutingStrategy,
					IsDefault:       sg.Default,
					CreatedAt:       now,
					UpdatedAt:       now,
				}
				if err := tx.Create(&g).Error; err != nil {
					return errors.Wrapf(err, "create group %s", sg.Name)
				}
				sum.GroupsCreated++
			default:
				return errors.Wrapf(err, "load group %s", sg.Name)
			}
			groupIDs[sg.Name] = g.ID
		}

		for _, sa := range f.Agents {
			agent, created, err := seedAgent(tx, sa, now)
			if err != nil {
				return err
			}
			if created {
				sum.AgentsCreated++
			}
			for _, name := range sa.Groups {
				var n int64
				err := tx.Model(&db.AgentGroup{}).Where("agent_id = ? AND group_id = ?", agent.ID, groupIDs[name]).Count(&n).Error
				if err != nil {
					return errors.Wrapf(err, "load membership of %s", sa.Email)
				}
				if n > 0 {
					continue
				}
				m := db.AgentGroup{AgentID: agent.ID, GroupID: groupIDs[name], CreatedAt: now}
				if err := tx.Create(&m).Error; err != nil {
					return errors.Wrapf(err, "add %s to group %s", sa.Email, name)
				}
				sum.MembershipsCreated++
			}
		}
		return nil
	})
	if err != nil {
		return SeedSummary{}, err
	}

	logger.Info("seed applied",
		zap.Int("groups_created", sum.GroupsCreated),
		zap.Int("agents_created", sum.AgentsCreated),
		zap.Int("memberships_created", sum.MembershipsCreated))
	return sum, nil
}

func seedAgent(tx *gorm.DB, sa SeedAgent, now time.Time) (db.Agent, bool, error) {
	var agent db.Agent
	err := tx.Where("email = ?", sa.Email).First(&agent).Error
	if err == nil {
		return agent, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Agent{}, false, errors.Wrapf(err, "load agent %s", sa.Email)
	}

	hash := ""
	if sa.Password != "" {
		if hash, err = auth.HashPassword(sa.Password); err != nil {
			return db.Agent{}, false, err
		}
	}
	agent = db.Agent{
		ID:                 uuid.New().String(),
		Name:               sa.Name,
		Email:              sa.Email,
		PasswordHash:       hash,
		Role:               sa.Role,
		Status:             sa.Status,
		AcceptingChats:     true,
		MaxConcurrentChats: db.DefaultMaxConcurrentChats,
		AutoAwayMinutes:    db.DefaultAutoAwayMinutes,
		SessionTimeoutMin:  db.DefaultSessionTimeoutMinutes,
		ScheduleEnabled:    len(sa.Schedule) > 0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if sa.AcceptingChats != nil {
		agent.AcceptingChats = *sa.AcceptingChats
	}
	if sa.MaxConcurrentChats > 0 {
		agent.MaxConcurrentChats = sa.MaxConcurrentChats
	}
	if sa.AutoAwayMinutes > 0 {
		agent.AutoAwayMinutes = sa.AutoAwayMinutes
	}
	if sa.SessionTimeoutMinutes != nil && *sa.SessionTimeoutMinutes >= 0 {
		agent.SessionTimeoutMin = *sa.SessionTimeoutMinutes
	}
	if err := tx.Create(&agent).Error; err != nil {
		return db.Agent{}, false, errors.Wrapf(err, "create agent %s", sa.Email)
	}
	schedules, err := newSchedules(agent.ID, sa.Schedule, now)
	if err != nil {
		return db.Agent{}, false, err
	}
	if len(schedules) > 0 {
		if err := tx.Create(&schedules).Error; err != nil {
			return db.Agent{}, false, errors.Wrapf(err, "create schedule of %s", sa.Email)
		}
	}
	return agent, true, nil
}
