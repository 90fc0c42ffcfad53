package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"evalgo.org/nodereg/models"
)

// Key layout
const (
	NodeKeyPrefix = "/nodereg/nodes/"
	SlotKeyPrefix = "/nodereg/slots/"
)

// maxTxnAttempts bounds optimistic retries when a node key changes
// between the read and the conditional write.
const maxTxnAttempts = 16

var errContention = errors.New("too many concurrent modifications")

// EtcdStore keeps one JSON document per node and one ownership key per
// claimed slot. A node's ID is the create revision of its key.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore connects to the etcd cluster.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration) (*EtcdStore, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli}, nil
}

// NewEtcdStoreFromClient wraps an existing client.
func NewEtcdStoreFromClient(cli *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: cli}
}

func nodeKey(uuid string) string {
	return NodeKeyPrefix + uuid
}

func slotKey(slot int) string {
	return SlotKeyPrefix + strconv.Itoa(slot)
}

// CreateNode implements Store.
func (e *EtcdStore) CreateNode(ctx context.Context, node *models.Node) error {
	now := time.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	if node.ModifiedAt.IsZero() {
		node.ModifiedAt = node.CreatedAt
	}

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}

	key := nodeKey(node.UUID)
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(key), "=", 0)}
	ops := []clientv3.Op{clientv3.OpPut(key, string(data))}
	if node.SlotNumber != nil {
		sk := slotKey(*node.SlotNumber)
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(sk), "=", 0))
		ops = append(ops, clientv3.OpPut(sk, node.UUID))
	}

	resp, err := e.client.Txn(ctx).If(cmps...).Then(ops...).Else(clientv3.OpGet(key)).Commit()
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if !resp.Succeeded {
		if len(resp.Responses[0].GetResponseRange().Kvs) > 0 {
			return ErrAlreadyExists
		}
		return ErrSlotTaken
	}

	node.ID = resp.Header.Revision
	return nil
}

// GetNode implements Store.
func (e *EtcdStore) GetNode(ctx context.Context, uuid string) (*models.Node, error) {
	node, _, err := e.load(ctx, uuid)
	return node, err
}

// load returns the node with the mod revision of its key.
func (e *EtcdStore) load(ctx context.Context, uuid string) (*models.Node, int64, error) {
	resp, err := e.client.Get(ctx, nodeKey(uuid))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load node: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, ErrNotFound
	}
	kv := resp.Kvs[0]
	node, err := decodeNode(kv.Value, kv.CreateRevision)
	if err != nil {
		return nil, 0, err
	}
	return node, kv.ModRevision, nil
}

func decodeNode(data []byte, createRevision int64) (*models.Node, error) {
	var node models.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to decode node: %w", err)
	}
	node.ID = createRevision
	return &node, nil
}

// GetNodeBySlot implements Store.
func (e *EtcdStore) GetNodeBySlot(ctx context.Context, slot int) (*models.Node, error) {
	resp, err := e.client.Get(ctx, slotKey(slot))
	if err != nil {
		return nil, fmt.Errorf("failed to load slot %d: %w", slot, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return e.GetNode(ctx, string(resp.Kvs[0].Value))
}

// ListNodes implements Store.
func (e *EtcdStore) ListNodes(ctx context.Context) ([]*models.Node, error) {
	resp, err := e.client.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]*models.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		node, err := decodeNode(kv.Value, kv.CreateRevision)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// UpdateNode implements Store.
func (e *EtcdStore) UpdateNode(ctx context.Context, node *models.Node) error {
	saved, err := e.ModifyNode(ctx, node.UUID, overwrite(node))
	if err != nil {
		return err
	}
	keepIdentity(node, saved)
	return nil
}

// ModifyNode implements Store. The write is guarded by the mod revision
// of the node key and fn is re-run on the fresh record after a conflict.
func (e *EtcdStore) ModifyNode(ctx context.Context, uuid string, fn func(*models.Node) error) (*models.Node, error) {
	key := nodeKey(uuid)

	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		existing, rev, err := e.load(ctx, uuid)
		if err != nil {
			return nil, err
		}
		node := existing.Clone()
		if err := fn(node); err != nil {
			return nil, err
		}
		keepIdentity(node, existing)

		data, err := json.Marshal(node)
		if err != nil {
			return nil, fmt.Errorf("failed to encode node: %w", err)
		}
		resp, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return nil, fmt.Errorf("failed to update node: %w", err)
		}
		if resp.Succeeded {
			return node, nil
		}
	}
	return nil, fmt.Errorf("failed to update node %s: %w", uuid, errContention)
}

// ClaimSlot implements Store.
func (e *EtcdStore) ClaimSlot(ctx context.Context, uuid string, slot int) error {
	key, sk := nodeKey(uuid), slotKey(slot)

	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		node, rev, err := e.load(ctx, uuid)
		if err != nil {
			return err
		}
		if node.HasSlot() {
			return ErrSlotAssigned
		}

		node.SlotNumber = models.IntPtr(slot)
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("failed to encode node: %w", err)
		}

		resp, err := e.client.Txn(ctx).
			If(
				clientv3.Compare(clientv3.CreateRevision(sk), "=", 0),
				clientv3.Compare(clientv3.ModRevision(key), "=", rev),
			).
			Then(clientv3.OpPut(key, string(data)), clientv3.OpPut(sk, uuid)).
			Else(clientv3.OpGet(sk)).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to claim slot %d: %w", slot, err)
		}
		if resp.Succeeded {
			return nil
		}
		if len(resp.Responses[0].GetResponseRange().Kvs) > 0 {
			return ErrSlotTaken
		}
	}
	return fmt.Errorf("failed to claim slot %d: %w", slot, errContention)
}

// FindStaleByIP implements Store.
func (e *EtcdStore) FindStaleByIP(ctx context.Context, ip string, excludeID int64, pingedBefore time.Time) ([]*models.Node, error) {
	nodes, err := e.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	var stale []*models.Node
	for _, n := range nodes {
		if n.ID == excludeID || models.StringValue(n.IPAddress) != ip {
			continue
		}
		if n.LastPingAt != nil && n.LastPingAt.Before(pingedBefore) {
			stale = append(stale, n)
		}
	}
	return stale, nil
}

// ClearIPAddress implements Store.
func (e *EtcdStore) ClearIPAddress(ctx context.Context, id int64) error {
	nodes, err := e.ListNodes(ctx)
	if err != nil {
		return err
	}
	uuid := ""
	for _, n := range nodes {
		if n.ID == id {
			uuid = n.UUID
			break
		}
	}
	if uuid == "" {
		return ErrNotFound
	}
	_, err = e.ModifyNode(ctx, uuid, func(n *models.Node) error {
		n.IPAddress = nil
		n.ModifiedAt = time.Now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear ip address of node %d: %w", id, err)
	}
	return nil
}

// Ping implements Store.
func (e *EtcdStore) Ping(ctx context.Context) error {
	_, err := e.client.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	return err
}

// Close implements Store.
func (e *EtcdStore) Close() error {
	return e.client.Close()
}
