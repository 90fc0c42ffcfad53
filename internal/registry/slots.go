package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"evalgo.org/nodereg/internal/metrics"
	"evalgo.org/nodereg/internal/storage"
	"evalgo.org/nodereg/models"
)

// SlotStore is the part of the store the allocator needs.
type SlotStore interface {
	GetNode(ctx context.Context, uuid string) (*models.Node, error)
	ClaimSlot(ctx context.Context, uuid string, slot int) error
}

// Allocator hands out slot numbers. Uniqueness is enforced by the store;
// the allocator just tries candidates in ascending order until a claim
// sticks, so the lowest free slot is reused first.
type Allocator struct {
	store    SlotStore
	maxNodes int
	logger   *logrus.Entry
}

// NewAllocator creates an allocator over slots 0 to maxNodes-1.
func NewAllocator(store SlotStore, maxNodes int, logger *logrus.Entry) *Allocator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Allocator{store: store, maxNodes: maxNodes, logger: logger}
}

// Assign gives the node a slot if it has none and sets node.SlotNumber.
// Only slot_number is written to the store. If another request already
// assigned this node a slot, that slot is adopted.
func (a *Allocator) Assign(ctx context.Context, node *models.Node) (int, error) {
	if node.SlotNumber != nil {
		return *node.SlotNumber, nil
	}

	for slot := 0; slot < a.maxNodes; slot++ {
		err := a.store.ClaimSlot(ctx, node.UUID, slot)
		switch {
		case err == nil:
			node.SlotNumber = models.IntPtr(slot)
			metrics.SlotsAssigned.Inc()
			a.logger.WithFields(logrus.Fields{"uuid": node.UUID, "slot_number": slot}).Info("Assigned slot")
			return slot, nil

		case errors.Is(err, storage.ErrSlotTaken):
			metrics.SlotClaimRetries.Inc()

		case errors.Is(err, storage.ErrSlotAssigned):
			current, err := a.store.GetNode(ctx, node.UUID)
			if err != nil {
				return -1, fmt.Errorf("reloading node %s: %w", node.UUID, err)
			}
			if current.SlotNumber == nil {
				return -1, fmt.Errorf("node %s reported a slot but has none", node.UUID)
			}
			node.SlotNumber = models.IntPtr(*current.SlotNumber)
			return *current.SlotNumber, nil

		case errors.Is(err, storage.ErrNotFound):
			return -1, ErrNodeNotFound

		default:
			return -1, fmt.Errorf("claiming slot %d: %w", slot, err)
		}
	}

	return -1, ErrSlotsExhausted
}
