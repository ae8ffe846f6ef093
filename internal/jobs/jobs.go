// Package jobs hands work to the agents that program forwarding and traffic
// control on the proxy servers. Dispatch only enqueues; nobody waits for the
// job to run.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	NameTrafficShaping = "traffic_shaping"
	NameCleanPort      = "clean_port"
)

type Priority int

const (
	PriorityImmediate Priority = 0
	PriorityNormal    Priority = 10
)

type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Priority   Priority        `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// TrafficShaping asks the server agent to reprogram the rate limits of a port.
type TrafficShaping struct {
	ServerID     uint  `json:"server_id"`
	PortNum      int   `json:"port_num"`
	EgressLimit  int64 `json:"egress_limit"`
	IngressLimit int64 `json:"ingress_limit"`
}

// CleanPort asks the server agent to tear down whatever is left on a port
// after its forward rule was removed.
type CleanPort struct {
	ServerID uint `json:"server_id"`
	PortNum  int  `json:"port_num"`
}

func New(name string, priority Priority, payload any) (Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	return Job{
		ID:         uuid.NewString(),
		Name:       name,
		Priority:   priority,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}
