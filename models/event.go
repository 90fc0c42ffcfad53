package models

import "time"

// NodeEventType names a node lifecycle event.
type NodeEventType string

const (
	EventNodeCreated   NodeEventType = "node_created"
	EventNodePinged    NodeEventType = "node_pinged"
	EventNodeDNSFailed NodeEventType = "node_dns_failed"
)

// NodeEvent is broadcast to event stream subscribers. It carries only
// public node fields; the ping secret never leaves the registry this way.
type NodeEvent struct {
	Type       NodeEventType `json:"type"`
	UUID       string        `json:"uuid"`
	Hostname   *string       `json:"hostname,omitempty"`
	IPAddress  *string       `json:"ip_address,omitempty"`
	SlotNumber *int          `json:"slot_number,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// NewNodeEvent builds an event from a node snapshot.
func NewNodeEvent(t NodeEventType, n *Node, at time.Time) NodeEvent {
	c := n.Clone()
	return NodeEvent{
		Type:       t,
		UUID:       c.UUID,
		Hostname:   c.Hostname,
		IPAddress:  c.IPAddress,
		SlotNumber: c.SlotNumber,
		Timestamp:  at,
	}
}
