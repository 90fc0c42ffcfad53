// Package models defines the data types shared across nodereg: the compute
// node record, its typed info and capacity maps, the ping request accepted
// from compute nodes, and the read models returned to API callers.
package models

import (
	"time"
)

// Node is the registration record of one compute host.
//
// A node is created by a provisioning call with a UUID and a ping secret and
// nothing else. Every accepted ping then mutates it: the first ping records
// the IP address, the slot allocator assigns a durable slot number, and the
// hostname is derived from that slot.
//
// Example JSON representation (as stored):
//
//	{
//	  "id": 12,
//	  "uuid": "zzzzz-node-1b4e28ba-2fa1-11d2-883f-0016d3cca427",
//	  "hostname": "compute3",
//	  "ip_address": "10.0.0.5",
//	  "slot_number": 3,
//	  "info": {"ping_secret": "...", "slurm_state": "idle"},
//	  "properties": {"total_cpu_cores": 16}
//	}
type Node struct {
	// ID is the store-assigned identity, used only for conflict detection
	ID int64 `json:"id"`

	// UUID is the external identifier, assigned at creation and immutable
	UUID string `json:"uuid"`

	// Hostname is assigned at most once from the slot number (optional)
	Hostname *string `json:"hostname"`

	// Domain overrides the cluster default domain when set
	Domain *string `json:"domain"`

	// IPAddress is recorded on first ping and may be cleared when another
	// node takes over the address
	IPAddress *string `json:"ip_address"`

	// SlotNumber is unique across all nodes once assigned
	SlotNumber *int `json:"slot_number"`

	FirstPingAt *time.Time `json:"first_ping_at"`
	LastPingAt  *time.Time `json:"last_ping_at"`
	CreatedAt   time.Time  `json:"created_at"`
	ModifiedAt  time.Time  `json:"modified_at"`

	// Info holds the ping secret and scheduler/cloud supplied facts
	Info NodeInfo `json:"info"`

	// Properties holds capacity facts reported by the latest ping
	Properties NodeProperties `json:"properties"`

	// JobUUID is a weak reference to the job running on the node
	JobUUID *string `json:"job_uuid"`

	// JobReadable is set per request by the API layer when the caller may
	// see the associated job. It is never persisted.
	JobReadable bool `json:"-"`
}

// HasSlot reports whether a slot number has been assigned.
func (n *Node) HasSlot() bool {
	return n.SlotNumber != nil
}

// Slot returns the slot number, or -1 when none is assigned.
func (n *Node) Slot() int {
	if n.SlotNumber == nil {
		return -1
	}
	return *n.SlotNumber
}

// EffectiveDomain returns the node's domain or the given default.
func (n *Node) EffectiveDomain(defaultDomain string) string {
	if n.Domain != nil && *n.Domain != "" {
		return *n.Domain
	}
	return defaultDomain
}

// VisibleJobUUID returns the job reference only when the current caller
// has been granted read access to it.
func (n *Node) VisibleJobUUID() *string {
	if !n.JobReadable {
		return nil
	}
	return n.JobUUID
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Hostname = cloneString(n.Hostname)
	c.Domain = cloneString(n.Domain)
	c.IPAddress = cloneString(n.IPAddress)
	c.JobUUID = cloneString(n.JobUUID)
	c.FirstPingAt = cloneTime(n.FirstPingAt)
	c.LastPingAt = cloneTime(n.LastPingAt)
	if n.SlotNumber != nil {
		s := *n.SlotNumber
		c.SlotNumber = &s
	}
	c.Info = n.Info.Clone()
	c.Properties = n.Properties.Clone()
	return &c
}

// NodeSpec is the input accepted when provisioning a node record.
type NodeSpec struct {
	Hostname string `json:"hostname,omitempty" validate:"omitempty,hostname"`
	Domain   string `json:"domain,omitempty" validate:"omitempty,fqdn"`
	JobUUID  string `json:"job_uuid,omitempty"`
}

// StringValue dereferences p, returning "" for nil.
func StringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int {
	return &i
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	s := *p
	return &s
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	t := *p
	return &t
}
