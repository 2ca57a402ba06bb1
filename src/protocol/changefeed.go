package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies a change-feed mutation.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Valid reports whether t is a known mutation kind.
func (t EventType) Valid() bool {
	return t == EventInsert || t == EventUpdate || t == EventDelete
}

// ChangeEvent is one mutation emitted by the server-side change feed for a
// single entity row. Payload stays raw until Record decodes it into the
// concrete type for the entity table.
type ChangeEvent struct {
	Entity    string          `json:"entity"`
	EventType EventType       `json:"eventType"`
	EntityID  string          `json:"entityId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Entity tables carried by the feed.
const (
	EntityTimesheets    = "timesheets"
	EntityProjects      = "projects"
	EntityTasks         = "tasks"
	EntityLeaveRequests = "leave_requests"
)

// Record is a concretely-typed change payload, keyed by entity table.
type Record interface {
	Table() string
}

// TimesheetRecord is the payload for timesheet mutations.
type TimesheetRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId"`
	Date      string    `json:"date"`
	Hours     float64   `json:"hours"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (TimesheetRecord) Table() string { return EntityTimesheets }

// ProjectRecord is the payload for project mutations.
type ProjectRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ClientID string `json:"clientId,omitempty"`
	Status   string `json:"status"`
}

func (ProjectRecord) Table() string { return EntityProjects }

// TaskRecord is the payload for task mutations.
type TaskRecord struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	AssigneeID string     `json:"assigneeId,omitempty"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
}

func (TaskRecord) Table() string { return EntityTasks }

// LeaveRequestRecord is the payload for HR leave-request mutations.
type LeaveRequestRecord struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
}

func (LeaveRequestRecord) Table() string { return EntityLeaveRequests }

// Record decodes the raw payload into the concrete record type for the
// event's entity. Malformed payloads and unknown entities fail here, at
// decode time, instead of surfacing downstream.
func (e ChangeEvent) Record() (Record, error) {
	if !e.EventType.Valid() {
		return nil, fmt.Errorf("%w: event type %q", ErrMalformedEnvelope, e.EventType)
	}
	var rec Record
	switch e.Entity {
	case EntityTimesheets:
		rec = &TimesheetRecord{}
	case EntityProjects:
		rec = &ProjectRecord{}
	case EntityTasks:
		rec = &TaskRecord{}
	case EntityLeaveRequests:
		rec = &LeaveRequestRecord{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, e.Entity)
	}
	if err := json.Unmarshal(e.Payload, rec); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Entity, err)
	}
	return rec, nil
}

// Key identifies the event's row. Used as the dedup-guard key on the
// receiving side together with EventType.
func (e ChangeEvent) Key() string {
	return e.Entity + "/" + string(e.EventType) + "/" + e.EntityID
}

// Feed socket frames. The feed connection speaks a two-frame handshake
// (request, ack) followed by a stream of event frames.

// FeedRequest is the frame a client sends after the feed socket opens.
type FeedRequest struct {
	Action string   `json:"action"` // "subscribe"
	Token  string   `json:"token"`
	Tables []string `json:"tables"`
}

// Feed frame statuses.
const (
	FeedStatusSubscribed = "SUBSCRIBED"
	FeedStatusError      = "ERROR"
)

// FeedFrame is a server->client frame on the feed socket: either a
// subscription ack (Status set) or a change event (Event set).
type FeedFrame struct {
	Status    string       `json:"status,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Event     *ChangeEvent `json:"event,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
