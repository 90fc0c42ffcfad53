// Package storagetest holds the behavioural contract every storage backend
// must satisfy. Backends run it from their own tests.
//
// The contract does not require an empty store: every case uses fresh
// UUIDs, a random slot range and a random IP so it can run against a
// shared database.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/nodereg/internal/storage"
	"evalgo.org/nodereg/models"
)

// Factory returns a ready store. The contract closes it.
type Factory func(t *testing.T) storage.Store

// RunContract runs the shared storage contract against a backend.
func RunContract(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store, f *fixture)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"UpdateNode", testUpdateNode},
		{"UpdateKeepsSlot", testUpdateKeepsSlot},
		{"ModifyNode", testModifyNode},
		{"ModifyNodeConcurrent", testModifyNodeConcurrent},
		{"ClaimSlot", testClaimSlot},
		{"ClaimSlotConcurrent", testClaimSlotConcurrent},
		{"FindStaleByIP", testFindStaleByIP},
		{"ClearIPAddress", testClearIPAddress},
		{"ListNodes", testListNodes},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s, newFixture())
		})
	}
}

type fixture struct {
	slotBase int
	ip       string
}

func newFixture() *fixture {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &fixture{
		slotBase: 100000 + r.Intn(1000000)*100,
		ip:       fmt.Sprintf("10.%d.%d.%d", r.Intn(256), r.Intn(256), 1+r.Intn(254)),
	}
}

func (f *fixture) slot(i int) int {
	return f.slotBase + i
}

func newNode(t *testing.T, s storage.Store) *models.Node {
	t.Helper()
	n := &models.Node{
		UUID: models.GenerateNodeUUID("zzzzz"),
		Info: models.NodeInfo{PingSecret: uuid.NewString()},
	}
	require.NoError(t, s.CreateNode(context.Background(), n))
	return n
}

func testCreateAndGet(t *testing.T, s storage.Store, _ *fixture) {
	ctx := context.Background()
	n := newNode(t, s)
	assert.NotZero(t, n.ID)
	assert.False(t, n.CreatedAt.IsZero())

	got, err := s.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, n.UUID, got.UUID)
	assert.Equal(t, n.Info.PingSecret, got.Info.PingSecret)
	assert.Nil(t, got.SlotNumber)
	assert.Nil(t, got.IPAddress)

	_, err = s.GetNode(ctx, "zzzzz-node-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCreateDuplicate(t *testing.T, s storage.Store, _ *fixture) {
	n := newNode(t, s)
	dup := &models.Node{UUID: n.UUID}
	assert.ErrorIs(t, s.CreateNode(context.Background(), dup), storage.ErrAlreadyExists)
}

func testUpdateNode(t *testing.T, s storage.Store, f *fixture) {
	ctx := context.Background()
	n := newNode(t, s)
	require.NoError(t, s.ClaimSlot(ctx, n.UUID, f.slot(0)))

	now := time.Now().UTC().Truncate(time.Millisecond)
	n.Hostname = models.StringPtr("compute7")
	n.IPAddress = models.StringPtr(f.ip)
	n.FirstPingAt = models.TimePtr(now)
	n.LastPingAt = models.TimePtr(now)
	n.ModifiedAt = now
	n.Info.EC2InstanceID = "i-0abc"
	n.Properties.Set(models.PropTotalCPUCores, 16)
	require.NoError(t, s.UpdateNode(ctx, n))

	got, err := s.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, "compute7", models.StringValue(got.Hostname))
	assert.Equal(t, f.ip, models.StringValue(got.IPAddress))
	assert.Equal(t, f.slot(0), got.Slot())
	require.NotNil(t, got.LastPingAt)
	assert.True(t, now.Equal(*got.LastPingAt))
	assert.Equal(t, "i-0abc", got.Info.EC2InstanceID)
	cores, ok := got.Properties.Get(models.PropTotalCPUCores)
	assert.True(t, ok)
	assert.Equal(t, int64(16), cores)

	bySlot, err := s.GetNodeBySlot(ctx, f.slot(0))
	require.NoError(t, err)
	assert.Equal(t, n.UUID, bySlot.UUID)

	got.Properties.Delete(models.PropTotalCPUCores)
	require.NoError(t, s.UpdateNode(ctx, got))
	again, err := s.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	_, ok = again.Properties.Get(models.PropTotalCPUCores)
	assert.False(t, ok)

	missing := &models.Node{UUID: "zzzzz-node-missing"}
	assert.ErrorIs(t, s.UpdateNode(ctx, missing), storage.ErrNotFound)
}

func testUpdateKeepsSlot(t *testing.T, s storage.Store, f *fixture) {
	ctx := context.Background()
	a, b := newNode(t, s), newNode(t, s)
	require.NoError(t, s.ClaimSlot(ctx, a.UUID, f.slot(0)))

	// a stale copy loaded before the claim must not release the slot
	a.SlotNumber = nil
	a.Info.SlurmState = "idle"
	require.NoError(t, s.UpdateNode(ctx, a))
	assert.Equal(t, f.slot(0), a.Slot())

	b.SlotNumber = models.IntPtr(f.slot(0))
	require.NoError(t, s.UpdateNode(ctx, b))
	assert.Nil(t, b.SlotNumber)

	holder, err := s.GetNodeBySlot(ctx, f.slot(0))
	require.NoError(t, err)
	assert.Equal(t, a.UUID, holder.UUID)
	assert.Equal(t, "idle", holder.Info.SlurmState)

	got, err := s.GetNode(ctx, b.UUID)
	require.NoError(t, err)
	assert.Nil(t, got.SlotNumber)
}

func testModifyNode(t *testing.T, s storage.Store, f *fixture) {
	ctx := context.Background()
	n := newNode(t, s)
	require.NoError(t, s.ClaimSlot(ctx, n.UUID, f.slot(0)))

	saved, err := s.ModifyNode(ctx, n.UUID, func(cur *models.Node) error {
		assert.Equal(t, f.slot(0), cur.Slot())
		cur.IPAddress = models.StringPtr(f.ip)
		cur.SlotNumber = nil
		cur.UUID = "zzzzz-node-renamed"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, n.UUID, saved.UUID)
	assert.Equal(t, f.slot(0), saved.Slot())
	assert.Equal(t, n.ID, saved.ID)

	got, err := s.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, f.ip, models.StringValue(got.IPAddress))
	assert.Equal(t, f.slot(0), got.Slot())
	assert.Equal(t, n.Info.PingSecret, got.Info.PingSecret)

	errAbort := errors.New("abort")
	_, err = s.ModifyNode(ctx, n.UUID, func(cur *models.Node) error {
		cur.IPAddress = nil
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)
	got, err = s.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, f.ip, models.StringValue(got.IPAddress))

	_, err = s.ModifyNode(ctx, "zzzzz-node-missing", func(*models.Node) error { return nil })
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testModifyNodeConcurrent(t *testing.T, s storage.Store, f *fixture) {
	ctx := context.Background()
	n := newNode(t, s)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.ClaimSlot(ctx, n.UUID, f.slot(0)))
	}()
	go func() {
		defer wg.Done()
		_, err := s.ModifyNode(ctx, n.UUID, func(cur *models.Node) error {
			cur.Info.SlurmState = "alloc"
			return nil
		})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := s.ModifyNode(ctx, n.UUID, func(cur *models.Node) error {
			cur.JobUUID = models.StringPtr("zzzzz-8i9sb-000000000000001")
			return nil
		})
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, err := s.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, f.slot(0), got.Slot())
	assert.Equal(t, "alloc", got.Info.SlurmState)
	assert.Equal(t, "zzzzz-8i9sb-000000000000001", models.StringValue(got.JobUUID))
}

func testClaimSlot(t *testing.T, s storage.Store, f *fixture) {
	ctx := context.Background()
	a, b := newNode(t, s), newNode(t, s)

	require.NoError(t, s.ClaimSlot(ctx, a.UUID, f.slot(0)))
	assert.ErrorIs(t, s.ClaimSlot(ctx, b.UUID, f.slot(0)), storage.ErrSlotTaken)
	assert.ErrorIs(t, s.ClaimSlot(ctx, a.UUID, f.slot(1)), storage.ErrSlotAssigned)
	assert.ErrorIs(t, s.ClaimSlot(ctx, "zzzzz-node-missing", f.slot(2)), storage.ErrNotFound)
	require.NoError(t, s.ClaimSlot(ctx, b.UUID, f.slot(1)))

	got, err := s.GetNode(ctx, a.UUID)
	require.NoError(t, err)
	assert.Equal(t, f.slot(0), got.Slot())
	assert.Equal(t, a.Info.PingSecret, got.Info.PingSecret)

	_, err = s.GetNodeBySlot(ctx, f.slot(2))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testClaimSlotConcurrent(t *testing.T, s storage.Store, f *fixture) {
	ctx := context.Background()
	const contenders = 8

	nodes := make([]*models.Node, contenders)
	for i := range nodes {
		nodes[i] = newNode(t, s)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	for _, n := range nodes {
		wg.Add(1)
		go func(uuid string) {
			defer wg.Done()
			err := s.ClaimSlot(ctx, uuid, f.slot(0))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, uuid)
			case errors.Is(err, storage.ErrSlotTaken):
			default:
				errs = append(errs, err)
			}
		}(n.UUID)
	}
	wg.Wait()

	assert.Empty(t, errs)
	require.Len(t, winners, 1)

	holder, err := s.GetNodeBySlot(ctx, f.slot(0))
	require.NoError(t, err)
	assert.Equal(t, winners[0], holder.UUID)
}

func testFindStaleByIP(t *testing.T, s storage.Store, f *fixture) {
	ctx := context.Background()
	now := time.Now()

	self := newNode(t, s)
	stale := newNode(t, s)
	fresh := newNode(t, s)
	never := newNode(t, s)

	set := func(n *models.Node, lastPing *time.Time) {
		n.IPAddress = models.StringPtr(f.ip)
		n.LastPingAt = lastPing
		require.NoError(t, s.UpdateNode(ctx, n))
	}
	set(self, models.TimePtr(now.Add(-time.Hour)))
	set(stale, models.TimePtr(now.Add(-20*time.Minute)))
	set(fresh, models.TimePtr(now.Add(-time.Minute)))
	set(never, nil)

	found, err := s.FindStaleByIP(ctx, f.ip, self.ID, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.UUID, found[0].UUID)
}

func testClearIPAddress(t *testing.T, s storage.Store, f *fixture) {
	ctx := context.Background()
	n := newNode(t, s)
	n.IPAddress = models.StringPtr(f.ip)
	n.Hostname = models.StringPtr("compute1")
	require.NoError(t, s.UpdateNode(ctx, n))

	require.NoError(t, s.ClearIPAddress(ctx, n.ID))

	got, err := s.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Nil(t, got.IPAddress)
	assert.Equal(t, "compute1", models.StringValue(got.Hostname))

	assert.ErrorIs(t, s.ClearIPAddress(ctx, -1), storage.ErrNotFound)
}

func testListNodes(t *testing.T, s storage.Store, _ *fixture) {
	ctx := context.Background()
	a, b := newNode(t, s), newNode(t, s)

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)

	pos := map[string]int{}
	for i, n := range nodes {
		pos[n.UUID] = i
		if i > 0 {
			assert.Less(t, nodes[i-1].ID, n.ID)
		}
	}
	require.Contains(t, pos, a.UUID)
	require.Contains(t, pos, b.UUID)
	assert.Less(t, pos[a.UUID], pos[b.UUID])

	require.NoError(t, s.Ping(ctx))
}
