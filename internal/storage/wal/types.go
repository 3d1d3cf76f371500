package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate   EventType = "CREATE"   // Job first persisted
	EventUpdate   EventType = "UPDATE"   // Item dispatched or resolved, job still active
	EventTerminal EventType = "TERMINAL" // Job reached a terminal status
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Payload   json.RawMessage `json:"payload"`   // Full job snapshot as written
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
