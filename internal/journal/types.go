// Package journal keeps an operational record of connection lifecycle events.
package journal

import (
	"context"
	"errors"
	"time"
)

const CollectionName = "connection_events"

type EventType string

const (
	EventAdmitted   EventType = "admitted"
	EventSuperseded EventType = "superseded"
	EventRejected   EventType = "rejected"
	EventClosed     EventType = "closed"
)

var ErrConnectionIDEmpty = errors.New("connection_id is empty")

type Record struct {
	ConnectionID string    `bson:"connection_id" json:"connectionId"`
	PrincipalID  string    `bson:"principal_id" json:"principalId"`
	Event        EventType `bson:"event" json:"event"`
	CloseCode    int       `bson:"close_code,omitempty" json:"closeCode,omitempty"`
	Reason       string    `bson:"reason,omitempty" json:"reason,omitempty"`
	At           time.Time `bson:"at" json:"at"`
}

type Store interface {
	Append(ctx context.Context, record Record) error
	// Recent returns up to limit records, newest first. An empty principalID matches all.
	Recent(ctx context.Context, principalID string, limit int) ([]Record, error)
}
