package store

import (
	"context"

	"github.com/bcrosbie/personaliz/internal/domain"
)

const (
	DefaultLogLimit = 100
	MaxLogLimit     = 1000
)

// Store is the persistence contract used by the service layer and the poller.
// Implementations serialize every call; values returned are copies.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	CreateAgent(ctx context.Context, agent domain.Agent) (int64, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	GetAgentByName(ctx context.Context, name string) (domain.Agent, bool, error)
	GetAgentByID(ctx context.Context, id int64) (domain.Agent, bool, error)
	UpdateAgent(ctx context.Context, id int64, agent domain.Agent) error
	DeleteAgent(ctx context.Context, id int64) error

	LogAgentEvent(ctx context.Context, log domain.AgentLog) (int64, error)
	ListAgentLogs(ctx context.Context, agentID *int64, limit int) ([]domain.AgentLog, error)

	CreateEventHandler(ctx context.Context, handler domain.EventHandler) (int64, error)
	ListEventHandlers(ctx context.Context) ([]domain.EventHandler, error)
	ListAllEventHandlers(ctx context.Context) ([]domain.EventHandler, error)
	SetEventHandlerActive(ctx context.Context, id int64, active bool) error
	UpdateEventHandlerLastCheck(ctx context.Context, id int64) (bool, error)
	DeleteEventHandler(ctx context.Context, id int64) error

	GetSetting(ctx context.Context, key string) (domain.Setting, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) ([]domain.Setting, error)
}

// ClampLogLimit keeps log queries bounded: non-positive limits fall back to
// DefaultLogLimit and large ones are capped at MaxLogLimit.
func ClampLogLimit(limit int) int {
	if limit <= 0 {
		return DefaultLogLimit
	}
	if limit > MaxLogLimit {
		return MaxLogLimit
	}
	return limit
}
