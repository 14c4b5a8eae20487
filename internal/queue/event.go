// Package queue defines the issue events exchanged over RabbitMQ, the
// publisher that emits them, and the audit consumer that records them.
package queue

import (
	"time"

	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// Event types double as routing keys on the issues exchange.
const (
	IssueCreated      = "issue.created"
	IssueUpdated      = "issue.updated"
	IssueDeleted      = "issue.deleted"
	IssueImageAdded   = "issue.image_added"
	IssueImageDeleted = "issue.image_deleted"
)

// IssueEvent is published after a successful mutation. It carries enough
// information for downstream consumers (audit log, notifications) without
// querying the primary database.
type IssueEvent struct {
	Type       string   `json:"type"`
	IssueID    uint64   `json:"issue_id"`
	ImageID    uint64   `json:"image_id,omitempty"`
	ActorID    uint64   `json:"actor_id"`
	ActorRole  string   `json:"actor_role"`
	ReporterID uint64   `json:"reporter_id"`
	Status     string   `json:"status,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Fields     []string `json:"fields,omitempty"` // changed fields on issue.updated
	OccurredAt string   `json:"occurred_at"`
}

// NewIssueEvent fills the common fields from the actor and issue.
func NewIssueEvent(typ string, actor model.Principal, is *model.Issue, at time.Time) IssueEvent {
	ev := IssueEvent{
		Type:       typ,
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		OccurredAt: at.UTC().Format(time.RFC3339Nano),
	}
	if is != nil {
		ev.IssueID = is.ID
		ev.ReporterID = is.ReporterID
		ev.Status = string(is.Status)
		ev.Priority = string(is.Priority)
	}
	return ev
}
