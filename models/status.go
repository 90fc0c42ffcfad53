package models

import "time"

// NodeStatus is the liveness category derived from ping recency.
type NodeStatus string

const (
	// StatusStartupFail means the node never pinged within the startup grace period
	StatusStartupFail NodeStatus = "startup-fail"

	// StatusPending means the node was created recently and has not pinged yet
	StatusPending NodeStatus = "pending"

	// StatusRunning means the node pinged within the last hour
	StatusRunning NodeStatus = "running"

	// StatusMissing means the node has not pinged for over an hour
	StatusMissing NodeStatus = "missing"
)

// WorkerState is the scheduler-facing availability of a node.
type WorkerState string

const (
	WorkerDown WorkerState = "down"
	WorkerIdle WorkerState = "idle"
	WorkerBusy WorkerState = "busy"
)

const (
	// StartupGracePeriod is how long a new node may stay silent before it
	// is reported as startup-fail.
	StartupGracePeriod = 5 * time.Minute

	// MissingAfter is how long after its last ping a node is reported missing.
	MissingAfter = time.Hour
)

// Status computes the node's liveness category at the given time.
func (n *Node) Status(now time.Time) NodeStatus {
	if n.LastPingAt == nil {
		if now.Sub(n.CreatedAt) > StartupGracePeriod {
			return StatusStartupFail
		}
		return StatusPending
	}
	if now.Sub(*n.LastPingAt) > MissingAfter {
		return StatusMissing
	}
	return StatusRunning
}

// WorkerState maps the scheduler-reported slurm state to a worker state.
// Nodes without a slot are always down.
func (n *Node) WorkerState() WorkerState {
	if n.SlotNumber == nil {
		return WorkerDown
	}
	switch n.Info.SlurmState {
	case "alloc", "comp":
		return WorkerBusy
	case "idle":
		return WorkerIdle
	default:
		return WorkerDown
	}
}
