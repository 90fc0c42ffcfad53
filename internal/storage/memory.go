package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"evalgo.org/nodereg/models"
)

// MemoryStore keeps nodes in process memory. It enforces the same slot
// uniqueness constraint as the persistent backends, so it is a faithful
// stand-in for them under concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	nodes  map[string]*models.Node
	slots  map[int]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*models.Node),
		slots: make(map[int]string),
	}
}

// CreateNode implements Store.
func (m *MemoryStore) CreateNode(_ context.Context, node *models.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[node.UUID]; exists {
		return ErrAlreadyExists
	}
	if node.SlotNumber != nil {
		if _, taken := m.slots[*node.SlotNumber]; taken {
			return ErrSlotTaken
		}
	}

	m.nextID++
	node.ID = m.nextID
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	if node.ModifiedAt.IsZero() {
		node.ModifiedAt = node.CreatedAt
	}

	m.nodes[node.UUID] = node.Clone()
	if node.SlotNumber != nil {
		m.slots[*node.SlotNumber] = node.UUID
	}
	return nil
}

// GetNode implements Store.
func (m *MemoryStore) GetNode(_ context.Context, uuid string) (*models.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

// GetNodeBySlot implements Store.
func (m *MemoryStore) GetNodeBySlot(_ context.Context, slot int) (*models.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uuid, ok := m.slots[slot]
	if !ok {
		return nil, ErrNotFound
	}
	return m.nodes[uuid].Clone(), nil
}

// ListNodes implements Store.
func (m *MemoryStore) ListNodes(_ context.Context) ([]*models.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*models.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// UpdateNode implements Store.
func (m *MemoryStore) UpdateNode(ctx context.Context, node *models.Node) error {
	saved, err := m.ModifyNode(ctx, node.UUID, overwrite(node))
	if err != nil {
		return err
	}
	keepIdentity(node, saved)
	return nil
}

// ModifyNode implements Store.
func (m *MemoryStore) ModifyNode(_ context.Context, uuid string, fn func(*models.Node) error) (*models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.nodes[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	node := existing.Clone()
	if err := fn(node); err != nil {
		return nil, err
	}
	keepIdentity(node, existing)
	m.nodes[uuid] = node.Clone()
	return node, nil
}

// ClaimSlot implements Store.
func (m *MemoryStore) ClaimSlot(_ context.Context, uuid string, slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[uuid]
	if !ok {
		return ErrNotFound
	}
	if n.SlotNumber != nil {
		return ErrSlotAssigned
	}
	if _, taken := m.slots[slot]; taken {
		return ErrSlotTaken
	}

	s := slot
	n.SlotNumber = &s
	m.slots[slot] = uuid
	return nil
}

// FindStaleByIP implements Store.
func (m *MemoryStore) FindStaleByIP(_ context.Context, ip string, excludeID int64, pingedBefore time.Time) ([]*models.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []*models.Node
	for _, n := range m.nodes {
		if n.ID == excludeID || n.IPAddress == nil || *n.IPAddress != ip {
			continue
		}
		if n.LastPingAt == nil || !n.LastPingAt.Before(pingedBefore) {
			continue
		}
		stale = append(stale, n.Clone())
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale, nil
}

// ClearIPAddress implements Store.
func (m *MemoryStore) ClearIPAddress(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.nodes {
		if n.ID == id {
			n.IPAddress = nil
			n.ModifiedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

// Ping implements Store.
func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
