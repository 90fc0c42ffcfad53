// Package registry implements the compute node registry: provisioning of
// node records, the ping protocol through which nodes report liveness,
// slot and hostname assignment, and the trigger for DNS synchronization.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"evalgo.org/nodereg/internal/config"
	"evalgo.org/nodereg/internal/storage"
	"evalgo.org/nodereg/internal/validation"
	"evalgo.org/nodereg/models"
)

// DNSSyncer publishes a node's name and address after a change.
type DNSSyncer interface {
	Sync(ctx context.Context, node *models.Node) bool
}

// EventPublisher receives node lifecycle events.
type EventPublisher interface {
	Publish(event models.NodeEvent)
}

// Service is the node registry.
type Service struct {
	cfg       *config.Config
	store     storage.Store
	dns       DNSSyncer
	allocator *Allocator
	validator *validation.Validator
	events    EventPublisher
	logger    *logrus.Entry
	now       func() time.Time

	// pending tracks asynchronous DNS synchronizations
	pending sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Service) { s.logger = l }
}

// WithEvents sets the event publisher.
func WithEvents(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// NewService creates a registry. dns may be nil, which disables DNS
// synchronization.
func NewService(cfg *config.Config, store storage.Store, dns DNSSyncer, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		store:     store,
		dns:       dns,
		validator: validation.New(),
		logger:    logrus.NewEntry(logrus.StandardLogger()),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "registry")
	s.allocator = NewAllocator(store, cfg.Cluster.MaxNodes, s.logger)
	return s
}

// Now returns the registry's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// Config returns the configuration the registry runs with.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Wait blocks until asynchronous DNS synchronizations have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// CreateNode provisions a node record with a fresh UUID and ping secret.
func (s *Service) CreateNode(ctx context.Context, spec models.NodeSpec) (*models.Node, error) {
	if result := s.validator.ValidateNodeSpec(&spec); !result.Valid {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, result)
	}

	now := s.now()
	node := &models.Node{
		UUID:       models.GenerateNodeUUID(s.cfg.Cluster.UUIDPrefix),
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if spec.Hostname != "" {
		node.Hostname = models.StringPtr(spec.Hostname)
	}
	if spec.Domain != "" {
		node.Domain = models.StringPtr(spec.Domain)
	}
	if spec.JobUUID != "" {
		node.JobUUID = models.StringPtr(spec.JobUUID)
	}
	if _, err := EnsurePingSecret(&node.Info); err != nil {
		return nil, err
	}

	if err := s.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	s.logger.WithField("uuid", node.UUID).Info("Node created")
	s.publish(models.EventNodeCreated, node)
	return node, nil
}

// GetNode loads a node by UUID.
func (s *Service) GetNode(ctx context.Context, uuid string) (*models.Node, error) {
	node, err := s.store.GetNode(ctx, uuid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNodeNotFound
	}
	return node, err
}

// ListNodes returns all nodes.
func (s *Service) ListNodes(ctx context.Context) ([]*models.Node, error) {
	return s.store.ListNodes(ctx)
}

// UpdateSlurmState records the scheduler's view of a node, which drives
// its worker state.
func (s *Service) UpdateSlurmState(ctx context.Context, uuid, state string) (*models.Node, error) {
	if result := s.validator.ValidateSlurmState(state); !result.Valid {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, result)
	}
	return s.modify(ctx, uuid, func(n *models.Node) {
		n.Info.SlurmState = state
	})
}

// SetJob sets or, with an empty jobUUID, clears the job running on a node.
func (s *Service) SetJob(ctx context.Context, uuid, jobUUID string) (*models.Node, error) {
	return s.modify(ctx, uuid, func(n *models.Node) {
		if jobUUID == "" {
			n.JobUUID = nil
			return
		}
		n.JobUUID = models.StringPtr(jobUUID)
	})
}

// modify applies fn to the stored node as a scoped write, so fields owned
// by concurrent pings are never rolled back.
func (s *Service) modify(ctx context.Context, uuid string, fn func(*models.Node)) (*models.Node, error) {
	node, err := s.store.ModifyNode(ctx, uuid, func(n *models.Node) error {
		fn(n)
		n.ModifiedAt = s.now()
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update node: %w", err)
	}
	return node, nil
}

func (s *Service) publish(t models.NodeEventType, node *models.Node) {
	if s.events == nil {
		return
	}
	s.events.Publish(models.NewNodeEvent(t, node, s.now()))
}
