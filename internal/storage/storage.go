// Package storage provides the node record store for nodereg.
//
// The registry treats the store as a relational table of nodes with a
// uniqueness constraint on the slot number. Three backends implement it:
//   - memory: in-process maps, for development and tests
//   - postgres: gorm on PostgreSQL, unique index on slot_number
//   - etcd: one key per node plus one ownership key per slot, guarded by transactions
//
// Backends never retry a slot claim themselves. A lost claim surfaces as
// ErrSlotTaken and the caller moves on to the next candidate.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"evalgo.org/nodereg/internal/config"
	"evalgo.org/nodereg/models"
)

var (
	// ErrNotFound is returned when no node matches the lookup
	ErrNotFound = errors.New("node not found")

	// ErrAlreadyExists is returned when creating a node whose UUID is taken
	ErrAlreadyExists = errors.New("node already exists")

	// ErrSlotTaken is returned when a write violates slot number uniqueness
	ErrSlotTaken = errors.New("slot number already taken")

	// ErrSlotAssigned is returned by ClaimSlot when the node already holds a slot
	ErrSlotAssigned = errors.New("node already has a slot number")
)

// Store is the persistence contract of the registry.
type Store interface {
	// CreateNode inserts a new node and sets its ID.
	CreateNode(ctx context.Context, node *models.Node) error

	// GetNode loads a node by UUID.
	GetNode(ctx context.Context, uuid string) (*models.Node, error)

	// GetNodeBySlot loads the node holding a slot.
	GetNodeBySlot(ctx context.Context, slot int) (*models.Node, error)

	// ListNodes returns all nodes ordered by ID.
	ListNodes(ctx context.Context) ([]*models.Node, error)

	// UpdateNode writes every persisted field of the node in one operation,
	// except slot_number, which only ClaimSlot writes. ID, CreatedAt and
	// SlotNumber on node are refreshed from the stored record.
	UpdateNode(ctx context.Context, node *models.Node) error

	// ModifyNode applies fn to the current stored record and writes the
	// result atomically with respect to other writers of the same node.
	// fn may run more than once and must only set the fields it owns; an
	// error from fn aborts the write and is returned unchanged. slot_number
	// is never written. The saved node is returned.
	ModifyNode(ctx context.Context, uuid string, fn func(*models.Node) error) (*models.Node, error)

	// ClaimSlot sets slot_number on a node that has none. It writes no other field.
	ClaimSlot(ctx context.Context, uuid string, slot int) error

	// FindStaleByIP returns nodes other than excludeID with the given IP
	// whose last ping is older than pingedBefore. Never-pinged nodes are not stale.
	FindStaleByIP(ctx context.Context, ip string, excludeID int64, pingedBefore time.Time) ([]*models.Node, error)

	// ClearIPAddress unsets the IP address of a node.
	ClearIPAddress(ctx context.Context, id int64) error

	// Ping checks connectivity to the backend.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// keepIdentity restores the fields no update may change.
func keepIdentity(node, stored *models.Node) {
	node.ID = stored.ID
	node.UUID = stored.UUID
	node.CreatedAt = stored.CreatedAt
	node.SlotNumber = nil
	if stored.SlotNumber != nil {
		node.SlotNumber = models.IntPtr(*stored.SlotNumber)
	}
}

// overwrite is the ModifyNode func behind UpdateNode.
func overwrite(node *models.Node) func(*models.Node) error {
	replacement := node.Clone()
	return func(cur *models.Node) error {
		*cur = *replacement.Clone()
		return nil
	}
}

// Open creates the store selected by the configuration.
func Open(ctx context.Context, cfg config.StorageConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return NewMemoryStore(), nil
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN, logger)
	case config.DriverEtcd:
		return NewEtcdStore(cfg.EtcdEndpoints, cfg.DialTimeout)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}
