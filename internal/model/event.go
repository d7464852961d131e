package model

import (
	"time"
)

// InsightEvent is a single raw event returned by event listing.
type InsightEvent struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	CreatedAt  time.Time      `json:"createdAt"`
	Properties map[string]any `json:"properties,omitempty"`
}

// EventPage is one keyset page of raw events.
type EventPage struct {
	Items      []InsightEvent `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}
