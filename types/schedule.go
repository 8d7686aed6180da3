package types

import (
	"encoding/json"
	"time"
)

// ScheduledEntry is a recurring task. It is kept alive as a chain of delayed jobs, not as a row.
type ScheduledEntry struct {
	Name       string          `toml:"name" json:"name"`
	Expression string          `toml:"expression" json:"expression"`
	Target     string          `toml:"target" json:"target"`
	Args       json.RawMessage `toml:"-" json:"args,omitempty"`
}

// ScheduledInstance is one pending firing of an entry.
type ScheduledInstance struct {
	JobID       string
	Entry       string
	ScheduledAt time.Time
}
