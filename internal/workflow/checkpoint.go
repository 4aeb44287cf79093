package workflow

import "time"

type CheckpointState string

const (
	CheckpointNone      CheckpointState = "none"
	CheckpointRequested CheckpointState = "requested"
	CheckpointApproved  CheckpointState = "approved"
	CheckpointRejected  CheckpointState = "rejected"
)

// Checkpoint is the human gate at the end of a phase.
type Checkpoint struct {
	Required    bool            `yaml:"required" json:"required"`
	State       CheckpointState `yaml:"state" json:"state"`
	Actor       string          `yaml:"actor,omitempty" json:"actor,omitempty"`
	Note        string          `yaml:"note,omitempty" json:"note,omitempty"`
	RequestedAt *time.Time      `yaml:"requested_at,omitempty" json:"requested_at,omitempty"`
	DecidedAt   *time.Time      `yaml:"decided_at,omitempty" json:"decided_at,omitempty"`
}

// Open reports whether the gate lets the workflow leave the phase.
func (c *Checkpoint) Open() bool {
	return !c.Required || c.State == CheckpointApproved
}
