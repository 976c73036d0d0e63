// Package sinks implements the three escalation fan-out destinations:
// notification topics, the incident ticket API, and the managed IP set.
package sinks

import (
	"context"

	"github.com/stratasec/aegis/internal/types"
)

// Notifier publishes an escalation to a notification topic and returns the
// provider's message id.
type Notifier interface {
	Notify(ctx context.Context, esc *types.Escalation) (messageID string, err error)
}

// TicketRef identifies a created incident ticket.
type TicketRef struct {
	Number string // human-facing ticket number
	SysID  string // provider record id
}

// Ticketer files an incident ticket for an escalation.
type Ticketer interface {
	CreateTicket(ctx context.Context, esc *types.Escalation) (TicketRef, error)
}

// Blocker adds and removes addresses in the external IP blocklist.
type Blocker interface {
	Block(ctx context.Context, ip string) error
	Unblock(ctx context.Context, ip string) error
}
