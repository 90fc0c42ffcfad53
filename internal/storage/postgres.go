package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"evalgo.org/nodereg/models"
)

// nodeRecord is the relational row of a node.
type nodeRecord struct {
	ID          int64                 `gorm:"primaryKey;autoIncrement"`
	UUID        string                `gorm:"column:uuid;size:64;not null;uniqueIndex"`
	Hostname    *string               `gorm:"column:hostname;size:255"`
	Domain      *string               `gorm:"column:domain;size:255"`
	IPAddress   *string               `gorm:"column:ip_address;size:64;index"`
	SlotNumber  *int                  `gorm:"column:slot_number;uniqueIndex"`
	FirstPingAt *time.Time            `gorm:"column:first_ping_at"`
	LastPingAt  *time.Time            `gorm:"column:last_ping_at"`
	CreatedAt   time.Time             `gorm:"column:created_at;not null"`
	ModifiedAt  time.Time             `gorm:"column:modified_at;not null"`
	Info        models.NodeInfo       `gorm:"column:info;serializer:json;type:jsonb"`
	Properties  models.NodeProperties `gorm:"column:properties;serializer:json;type:jsonb"`
	JobUUID     *string               `gorm:"column:job_uuid;size:64"`
}

// TableName pins the table name.
func (nodeRecord) TableName() string {
	return "nodes"
}

func recordFromNode(n *models.Node) *nodeRecord {
	c := n.Clone()
	return &nodeRecord{
		ID:          c.ID,
		UUID:        c.UUID,
		Hostname:    c.Hostname,
		Domain:      c.Domain,
		IPAddress:   c.IPAddress,
		SlotNumber:  c.SlotNumber,
		FirstPingAt: c.FirstPingAt,
		LastPingAt:  c.LastPingAt,
		CreatedAt:   c.CreatedAt,
		ModifiedAt:  c.ModifiedAt,
		Info:        c.Info,
		Properties:  c.Properties,
		JobUUID:     c.JobUUID,
	}
}

func (r *nodeRecord) toNode() *models.Node {
	return &models.Node{
		ID:          r.ID,
		UUID:        r.UUID,
		Hostname:    r.Hostname,
		Domain:      r.Domain,
		IPAddress:   r.IPAddress,
		SlotNumber:  r.SlotNumber,
		FirstPingAt: r.FirstPingAt,
		LastPingAt:  r.LastPingAt,
		CreatedAt:   r.CreatedAt,
		ModifiedAt:  r.ModifiedAt,
		Info:        r.Info,
		Properties:  r.Properties,
		JobUUID:     r.JobUUID,
	}
}

// PostgresStore keeps nodes in a PostgreSQL table. Slot uniqueness is a
// unique index, so concurrent claims are arbitrated by the database.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to PostgreSQL and migrates the nodes table.
func NewPostgresStore(ctx context.Context, dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Discard,
	}
	if logger != nil {
		gcfg.Logger = gormlogger.New(logger.WithField("component", "storage"), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(postgres.Open(dsn), gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&nodeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate nodes table: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// CreateNode implements Store.
func (s *PostgresStore) CreateNode(ctx context.Context, node *models.Node) error {
	now := time.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	if node.ModifiedAt.IsZero() {
		node.ModifiedAt = node.CreatedAt
	}

	rec := recordFromNode(node)
	rec.ID = 0
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if _, getErr := s.GetNode(ctx, node.UUID); getErr == nil {
				return ErrAlreadyExists
			}
			return ErrSlotTaken
		}
		return fmt.Errorf("failed to create node: %w", err)
	}

	node.ID = rec.ID
	return nil
}

// GetNode implements Store.
func (s *PostgresStore) GetNode(ctx context.Context, uuid string) (*models.Node, error) {
	return s.first(ctx, "uuid = ?", uuid)
}

// GetNodeBySlot implements Store.
func (s *PostgresStore) GetNodeBySlot(ctx context.Context, slot int) (*models.Node, error) {
	return s.first(ctx, "slot_number = ?", slot)
}

func (s *PostgresStore) first(ctx context.Context, query string, arg interface{}) (*models.Node, error) {
	var rec nodeRecord
	err := s.db.WithContext(ctx).Where(query, arg).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node: %w", err)
	}
	return rec.toNode(), nil
}

// ListNodes implements Store.
func (s *PostgresStore) ListNodes(ctx context.Context) ([]*models.Node, error) {
	var recs []nodeRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return toNodes(recs), nil
}

// UpdateNode implements Store.
func (s *PostgresStore) UpdateNode(ctx context.Context, node *models.Node) error {
	saved, err := s.ModifyNode(ctx, node.UUID, overwrite(node))
	if err != nil {
		return err
	}
	keepIdentity(node, saved)
	return nil
}

// ModifyNode implements Store. The row is locked for the duration of fn.
func (s *PostgresStore) ModifyNode(ctx context.Context, uuid string, fn func(*models.Node) error) (*models.Node, error) {
	var saved *models.Node
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec nodeRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ?", uuid).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load node: %w", err)
		}

		existing := rec.toNode()
		node := existing.Clone()
		if err := fn(node); err != nil {
			return err
		}
		keepIdentity(node, existing)

		err = tx.Model(&nodeRecord{}).
			Where("id = ?", existing.ID).
			Select("*").
			Omit("id", "uuid", "created_at", "slot_number").
			Updates(recordFromNode(node)).Error
		if err != nil {
			return fmt.Errorf("failed to update node: %w", err)
		}
		saved = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// ClaimSlot implements Store.
func (s *PostgresStore) ClaimSlot(ctx context.Context, uuid string, slot int) error {
	res := s.db.WithContext(ctx).
		Model(&nodeRecord{}).
		Where("uuid = ? AND slot_number IS NULL", uuid).
		Update("slot_number", slot)
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return ErrSlotTaken
	}
	if res.Error != nil {
		return fmt.Errorf("failed to claim slot %d: %w", slot, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&nodeRecord{}).Where("uuid = ?", uuid).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to load node: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrSlotAssigned
}

// FindStaleByIP implements Store.
func (s *PostgresStore) FindStaleByIP(ctx context.Context, ip string, excludeID int64, pingedBefore time.Time) ([]*models.Node, error) {
	var recs []nodeRecord
	err := s.db.WithContext(ctx).
		Where("id <> ? AND ip_address = ? AND last_ping_at < ?", excludeID, ip, pingedBefore).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stale nodes: %w", err)
	}
	return toNodes(recs), nil
}

// ClearIPAddress implements Store.
func (s *PostgresStore) ClearIPAddress(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).
		Model(&nodeRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"ip_address": nil, "modified_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to clear ip address: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toNodes(recs []nodeRecord) []*models.Node {
	nodes := make([]*models.Node, 0, len(recs))
	for i := range recs {
		nodes = append(nodes, recs[i].toNode())
	}
	return nodes
}
