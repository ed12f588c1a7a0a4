// Package ubi defines the User Behavior Insights data model: the behavioral
// events and queries the judgment calculators read. Events arrive from the
// platform's click tracker and are ingested through the event bus.
package ubi

// Index names for UBI data.
const (
	EventsIndexName  = "ubi_events"
	QueriesIndexName = "ubi_queries"
)

// Event action names.
const (
	ActionClick      = "click"
	ActionImpression = "impression"
)

// Event is a single recorded user interaction with a search result.
type Event struct {
	ActionName      string          `json:"action_name"`
	QueryID         string          `json:"query_id"`
	ClientID        string          `json:"client_id"`
	Timestamp       string          `json:"timestamp,omitempty"`
	EventAttributes EventAttributes `json:"event_attributes"`
}

// EventAttributes carries the object and position an event refers to.
type EventAttributes struct {
	Object   Object   `json:"object"`
	Position Position `json:"position"`
}

// Object identifies the document the event was recorded against.
type Object struct {
	ObjectID string `json:"object_id"`
}

// Position is the rank at which the document was shown, zero-based.
type Position struct {
	Ordinal int `json:"ordinal"`
}

// ObjectID returns the id of the document this event refers to.
func (e *Event) ObjectID() string {
	return e.EventAttributes.Object.ObjectID
}

// Ordinal returns the zero-based rank position of this event.
func (e *Event) Ordinal() int {
	return e.EventAttributes.Position.Ordinal
}

// Query is a recorded search. Many query IDs may share the same user_query
// text; judgments and clickthrough rates are keyed by the text, not the id.
type Query struct {
	QueryID   string `json:"query_id"`
	UserQuery string `json:"user_query"`
	ClientID  string `json:"client_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
