package models

import "time"

// NodeView is the node representation returned to ordinary API callers.
type NodeView struct {
	UUID              string         `json:"uuid"`
	Hostname          *string        `json:"hostname"`
	Domain            string         `json:"domain"`
	IPAddress         *string        `json:"ip_address"`
	LastPingAt        *time.Time     `json:"last_ping_at"`
	SlotNumber        *int           `json:"slot_number"`
	Status            NodeStatus     `json:"status"`
	JobUUID           *string        `json:"job_uuid"`
	CrunchWorkerState WorkerState    `json:"crunch_worker_state"`
	Properties        NodeProperties `json:"properties"`
	CreatedAt         time.Time      `json:"created_at"`
	ModifiedAt        time.Time      `json:"modified_at"`
}

// NodeAdminView adds the fields only administrators may see.
type NodeAdminView struct {
	NodeView
	FirstPingAt *time.Time `json:"first_ping_at"`
	Info        NodeInfo   `json:"info"`
	Nameservers []string   `json:"nameservers"`
}

// View builds the ordinary read model of the node.
func (n *Node) View(now time.Time, defaultDomain string) NodeView {
	return NodeView{
		UUID:              n.UUID,
		Hostname:          n.Hostname,
		Domain:            n.EffectiveDomain(defaultDomain),
		IPAddress:         n.IPAddress,
		LastPingAt:        n.LastPingAt,
		SlotNumber:        n.SlotNumber,
		Status:            n.Status(now),
		JobUUID:           n.VisibleJobUUID(),
		CrunchWorkerState: n.WorkerState(),
		Properties:        n.Properties,
		CreatedAt:         n.CreatedAt,
		ModifiedAt:        n.ModifiedAt,
	}
}

// AdminView builds the privileged read model of the node.
func (n *Node) AdminView(now time.Time, defaultDomain string, nameservers []string) NodeAdminView {
	return NodeAdminView{
		NodeView:    n.View(now, defaultDomain),
		FirstPingAt: n.FirstPingAt,
		Info:        n.Info,
		Nameservers: nameservers,
	}
}
