package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/nodereg/internal/config"
	"evalgo.org/nodereg/internal/logging"
	"evalgo.org/nodereg/internal/storage"
	"evalgo.org/nodereg/models"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSyncer struct {
	mu     sync.Mutex
	synced []*models.Node
	result bool
}

func (f *fakeSyncer) Sync(_ context.Context, node *models.Node) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, node.Clone())
	return f.result
}

func (f *fakeSyncer) Calls() []*models.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Node(nil), f.synced...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.NodeEvent
}

func (r *recordingPublisher) Publish(e models.NodeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) Types() []models.NodeEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]models.NodeEventType, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

type fixture struct {
	svc    *Service
	store  *storage.MemoryStore
	dns    *fakeSyncer
	events *recordingPublisher
	clock  *time.Time
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{
		Cluster: config.ClusterConfig{
			Domain:             "cluster.example.com",
			MaxNodes:           4,
			AssignNodeHostname: "compute%<slot_number>d",
			UUIDPrefix:         "zzzzz",
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	now := testNow
	f := &fixture{
		store:  storage.NewMemoryStore(),
		dns:    &fakeSyncer{result: true},
		events: &recordingPublisher{},
		clock:  &now,
	}
	f.svc = NewService(cfg, f.store, f.dns,
		WithClock(func() time.Time { return *f.clock }),
		WithLogger(logging.Discard().WithField("test", t.Name())),
		WithEvents(f.events),
	)
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) create(t *testing.T) *models.Node {
	t.Helper()
	n, err := f.svc.CreateNode(context.Background(), models.NodeSpec{})
	require.NoError(t, err)
	return n
}

func ping(n *models.Node, ip string) *models.PingRequest {
	return &models.PingRequest{IP: ip, PingSecret: n.Info.PingSecret}
}

func TestCreateNode(t *testing.T) {
	f := newFixture(t, nil)

	n, err := f.svc.CreateNode(context.Background(), models.NodeSpec{Domain: "other.example.com", JobUUID: "zzzzz-8i9sb-000000000000001"})
	require.NoError(t, err)

	assert.Regexp(t, `^zzzzz-node-`, n.UUID)
	assert.NotEmpty(t, n.Info.PingSecret)
	assert.Equal(t, testNow, n.CreatedAt)
	assert.Nil(t, n.SlotNumber)
	assert.Equal(t, "other.example.com", n.EffectiveDomain("cluster.example.com"))
	assert.Equal(t, models.StatusPending, n.Status(f.svc.Now()))
	assert.Equal(t, []models.NodeEventType{models.EventNodeCreated}, f.events.Types())

	_, err = f.svc.CreateNode(context.Background(), models.NodeSpec{Hostname: "not a hostname"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPing_FirstPing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	n := f.create(t)

	f.advance(30 * time.Second)
	req := ping(n, "10.0.0.5")
	req.EC2InstanceID = "i-0abc"
	req.TotalCPUCores = models.NewFlexInt(16)
	req.TotalRAMMB = models.NewFlexInt(64000)

	got, err := f.svc.Ping(ctx, n.UUID, req)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", models.StringValue(got.IPAddress))
	assert.Equal(t, 0, got.Slot())
	assert.Equal(t, "compute0", models.StringValue(got.Hostname))
	assert.Equal(t, *f.clock, *got.FirstPingAt)
	assert.Equal(t, *f.clock, *got.LastPingAt)
	assert.Equal(t, "i-0abc", got.Info.EC2InstanceID)
	cores, _ := got.Properties.Get(models.PropTotalCPUCores)
	assert.Equal(t, int64(16), cores)
	assert.Equal(t, models.StatusRunning, got.Status(f.svc.Now()))

	stored, err := f.store.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, got.Slot(), stored.Slot())
	assert.Equal(t, *got.LastPingAt, *stored.LastPingAt)

	require.Len(t, f.dns.Calls(), 1)
	assert.Equal(t, "compute0", models.StringValue(f.dns.Calls()[0].Hostname))
	assert.Equal(t, []models.NodeEventType{models.EventNodeCreated, models.EventNodePinged}, f.events.Types())
}

func TestPing_SubsequentPing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	n := f.create(t)

	req := ping(n, "10.0.0.5")
	req.TotalCPUCores = models.NewFlexInt(16)
	req.TotalScratchMB = models.NewFlexInt(1000)
	first, err := f.svc.Ping(ctx, n.UUID, req)
	require.NoError(t, err)

	f.advance(time.Minute)
	req = ping(n, "10.0.0.99")
	req.TotalCPUCores = models.NewFlexInt(8)
	second, err := f.svc.Ping(ctx, n.UUID, req)
	require.NoError(t, err)

	// ip, first ping and slot are sticky
	assert.Equal(t, "10.0.0.5", models.StringValue(second.IPAddress))
	assert.Equal(t, *first.FirstPingAt, *second.FirstPingAt)
	assert.Equal(t, first.Slot(), second.Slot())
	assert.Equal(t, *f.clock, *second.LastPingAt)

	// capacity reflects the latest ping only
	cores, _ := second.Properties.Get(models.PropTotalCPUCores)
	assert.Equal(t, int64(8), cores)
	_, ok := second.Properties.Get(models.PropTotalScratchMB)
	assert.False(t, ok)

	// nothing DNS relevant changed
	assert.Len(t, f.dns.Calls(), 1)
}

func TestPing_Unauthorized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	n := f.create(t)

	_, err := f.svc.Ping(ctx, n.UUID, ping(n, "10.0.0.5"))
	require.NoError(t, err)
	before, err := f.store.GetNode(ctx, n.UUID)
	require.NoError(t, err)

	f.advance(time.Minute)
	_, err = f.svc.Ping(ctx, n.UUID, &models.PingRequest{IP: "10.0.0.5", PingSecret: "wrong"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	after, err := f.store.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, *before.LastPingAt, *after.LastPingAt)
	assert.Equal(t, before.ModifiedAt, after.ModifiedAt)
}

func TestPing_GeneratesMissingSecret(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	n := &models.Node{UUID: "zzzzz-node-nosecret"}
	require.NoError(t, f.store.CreateNode(ctx, n))

	_, err := f.svc.Ping(ctx, n.UUID, &models.PingRequest{IP: "10.0.0.5", PingSecret: "guess"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	stored, err := f.store.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Info.PingSecret)
	assert.Nil(t, stored.LastPingAt)

	_, err = f.svc.Ping(ctx, n.UUID, ping(stored, "10.0.0.5"))
	assert.NoError(t, err)
}

func TestPing_InvalidRequest(t *testing.T) {
	f := newFixture(t, nil)
	n := f.create(t)

	tests := []struct {
		name string
		req  *models.PingRequest
	}{
		{"nil", nil},
		{"missing ip", &models.PingRequest{PingSecret: n.Info.PingSecret}},
		{"missing secret", &models.PingRequest{IP: "10.0.0.5"}},
		{"malformed ip", &models.PingRequest{IP: "ten", PingSecret: n.Info.PingSecret}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Ping(context.Background(), n.UUID, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestPing_NodeNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Ping(context.Background(), "zzzzz-node-missing", &models.PingRequest{IP: "10.0.0.5", PingSecret: "x"})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestPing_EC2Conflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	n := f.create(t)

	req := ping(n, "10.0.0.5")
	req.EC2InstanceID = "i-first"
	_, err := f.svc.Ping(ctx, n.UUID, req)
	require.NoError(t, err)

	req.EC2InstanceID = "i-first"
	_, err = f.svc.Ping(ctx, n.UUID, req)
	require.NoError(t, err)

	f.advance(time.Minute)
	req.EC2InstanceID = "i-second"
	_, err = f.svc.Ping(ctx, n.UUID, req)
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := f.store.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, "i-first", stored.Info.EC2InstanceID)
	assert.Equal(t, testNow, *stored.LastPingAt)
}

func TestPing_SlotsExhausted(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Cluster.MaxNodes = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		n := f.create(t)
		_, err := f.svc.Ping(ctx, n.UUID, ping(n, fmt.Sprintf("10.0.0.%d", i+1)))
		require.NoError(t, err)
	}

	extra := f.create(t)
	_, err := f.svc.Ping(ctx, extra.UUID, ping(extra, "10.0.0.9"))
	assert.ErrorIs(t, err, ErrSlotsExhausted)

	stored, err := f.store.GetNode(ctx, extra.UUID)
	require.NoError(t, err)
	assert.Nil(t, stored.SlotNumber)
	assert.Nil(t, stored.IPAddress)
	assert.Nil(t, stored.LastPingAt)
}

func TestPing_ConcurrentDistinctSlots(t *testing.T) {
	const n = 16
	f := newFixture(t, func(c *config.Config) { c.Cluster.MaxNodes = n })
	ctx := context.Background()

	nodes := make([]*models.Node, n)
	for i := range nodes {
		nodes[i] = f.create(t)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node *models.Node) {
			defer wg.Done()
			_, errs[i] = f.svc.Ping(ctx, node.UUID, ping(node, fmt.Sprintf("10.0.1.%d", i+1)))
		}(i, node)
	}
	wg.Wait()

	seen := map[int]string{}
	for i, node := range nodes {
		require.NoError(t, errs[i])
		stored, err := f.store.GetNode(ctx, node.UUID)
		require.NoError(t, err)
		require.True(t, stored.HasSlot())
		slot := stored.Slot()
		assert.GreaterOrEqual(t, slot, 0)
		assert.Less(t, slot, n)
		if other, dup := seen[slot]; dup {
			t.Fatalf("slot %d assigned to both %s and %s", slot, other, node.UUID)
		}
		seen[slot] = node.UUID
		assert.Equal(t, fmt.Sprintf("compute%d", slot), models.StringValue(stored.Hostname))
	}
}

func TestPing_ConcurrentSameNode(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	n := f.create(t)

	var wg sync.WaitGroup
	slots := make([]int, 8)
	for i := range slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := f.svc.Ping(ctx, n.UUID, ping(n, "10.0.0.5"))
			if assert.NoError(t, err) {
				slots[i] = got.Slot()
			}
		}(i)
	}
	wg.Wait()

	for _, s := range slots {
		assert.Equal(t, slots[0], s)
	}
	other := f.create(t)
	got, err := f.svc.Ping(ctx, other.UUID, ping(other, "10.0.0.6"))
	require.NoError(t, err)
	assert.NotEqual(t, slots[0], got.Slot())
}

func TestPing_NoHostnameAssignment(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Cluster.AssignNodeHostname = "" })
	n := f.create(t)

	got, err := f.svc.Ping(context.Background(), n.UUID, ping(n, "10.0.0.5"))
	require.NoError(t, err)
	assert.Nil(t, got.Hostname)
	assert.True(t, got.HasSlot())
}

func TestPing_KeepsExistingHostname(t *testing.T) {
	f := newFixture(t, nil)
	n, err := f.svc.CreateNode(context.Background(), models.NodeSpec{Hostname: "special"})
	require.NoError(t, err)

	got, err := f.svc.Ping(context.Background(), n.UUID, ping(n, "10.0.0.5"))
	require.NoError(t, err)
	assert.Equal(t, "special", models.StringValue(got.Hostname))
}

func TestPing_DNSFailureDoesNotFailPing(t *testing.T) {
	f := newFixture(t, nil)
	f.dns.result = false
	n := f.create(t)

	got, err := f.svc.Ping(context.Background(), n.UUID, ping(n, "10.0.0.5"))
	require.NoError(t, err)
	assert.NotNil(t, got.LastPingAt)
	assert.Contains(t, f.events.Types(), models.EventNodeDNSFailed)
}

func TestPing_AsyncDNS(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.DNS.Async = true })
	n := f.create(t)

	_, err := f.svc.Ping(context.Background(), n.UUID, ping(n, "10.0.0.5"))
	require.NoError(t, err)

	f.svc.Wait()
	assert.Len(t, f.dns.Calls(), 1)
}

func TestUpdateSlurmState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	n := f.create(t)
	_, err := f.svc.Ping(ctx, n.UUID, ping(n, "10.0.0.5"))
	require.NoError(t, err)

	got, err := f.svc.UpdateSlurmState(ctx, n.UUID, "alloc")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerBusy, got.WorkerState())

	_, err = f.svc.UpdateSlurmState(ctx, n.UUID, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.UpdateSlurmState(ctx, "zzzzz-node-missing", "idle")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestSetJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	n := f.create(t)

	got, err := f.svc.SetJob(ctx, n.UUID, "zzzzz-8i9sb-000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "zzzzz-8i9sb-000000000000001", models.StringValue(got.JobUUID))

	got, err = f.svc.SetJob(ctx, n.UUID, "")
	require.NoError(t, err)
	assert.Nil(t, got.JobUUID)
}

func TestGetNode_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.GetNode(context.Background(), "zzzzz-node-missing")
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

// interleavingStore runs a hook once, right before the next write of that
// kind reaches the memory store.
type interleavingStore struct {
	*storage.MemoryStore
	beforeModify func()
	beforeClaim  func()
}

func (s *interleavingStore) ModifyNode(ctx context.Context, uuid string, fn func(*models.Node) error) (*models.Node, error) {
	if hook := s.beforeModify; hook != nil {
		s.beforeModify = nil
		hook()
	}
	return s.MemoryStore.ModifyNode(ctx, uuid, fn)
}

func (s *interleavingStore) ClaimSlot(ctx context.Context, uuid string, slot int) error {
	if hook := s.beforeClaim; hook != nil {
		s.beforeClaim = nil
		hook()
	}
	return s.MemoryStore.ClaimSlot(ctx, uuid, slot)
}

func newInterleaved(t *testing.T, f *fixture) (*Service, *interleavingStore) {
	t.Helper()
	store := &interleavingStore{MemoryStore: f.store}
	svc := NewService(f.svc.Config(), store, f.dns,
		WithClock(f.svc.now),
		WithLogger(logging.Discard().WithField("test", t.Name())),
	)
	return svc, store
}

func TestUpdateSlurmState_AcrossFirstPing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	n := f.create(t)
	svc, store := newInterleaved(t, f)

	store.beforeModify = func() {
		_, err := svc.Ping(ctx, n.UUID, ping(n, "10.0.0.5"))
		require.NoError(t, err)
	}
	got, err := svc.UpdateSlurmState(ctx, n.UUID, "idle")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerIdle, got.WorkerState())

	stored, err := f.store.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Slot())
	assert.Equal(t, "10.0.0.5", models.StringValue(stored.IPAddress))
	assert.Equal(t, "compute0", models.StringValue(stored.Hostname))
	assert.NotNil(t, stored.LastPingAt)
	assert.Equal(t, "idle", stored.Info.SlurmState)

	holder, err := f.store.GetNodeBySlot(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, n.UUID, holder.UUID)

	f.advance(time.Minute)
	again, err := svc.Ping(ctx, n.UUID, ping(n, "10.0.0.5"))
	require.NoError(t, err)
	assert.Equal(t, 0, again.Slot())
	assert.Len(t, f.dns.Calls(), 1)
}

func TestPing_KeepsConcurrentAdminUpdates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	n := f.create(t)
	svc, store := newInterleaved(t, f)

	store.beforeClaim = func() {
		_, err := svc.UpdateSlurmState(ctx, n.UUID, "alloc")
		require.NoError(t, err)
		_, err = svc.SetJob(ctx, n.UUID, "zzzzz-8i9sb-000000000000001")
		require.NoError(t, err)
	}
	got, err := svc.Ping(ctx, n.UUID, ping(n, "10.0.0.5"))
	require.NoError(t, err)
	assert.Equal(t, 0, got.Slot())
	assert.Equal(t, models.WorkerBusy, got.WorkerState())

	stored, err := f.store.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, "alloc", stored.Info.SlurmState)
	assert.Equal(t, "zzzzz-8i9sb-000000000000001", models.StringValue(stored.JobUUID))
	assert.Equal(t, "compute0", models.StringValue(stored.Hostname))
}

func TestPing_EC2ConflictRecordedMeanwhile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	n := f.create(t)
	svc, store := newInterleaved(t, f)

	store.beforeClaim = func() {
		_, err := f.store.ModifyNode(ctx, n.UUID, func(cur *models.Node) error {
			cur.Info.EC2InstanceID = "i-other"
			return nil
		})
		require.NoError(t, err)
	}
	req := ping(n, "10.0.0.5")
	req.EC2InstanceID = "i-mine"
	_, err := svc.Ping(ctx, n.UUID, req)
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := f.store.GetNode(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, "i-other", stored.Info.EC2InstanceID)
	assert.Nil(t, stored.IPAddress)
	assert.Nil(t, stored.LastPingAt)
}

// ctxSyncer records whether the context handed to it was already done.
type ctxSyncer struct {
	mu  sync.Mutex
	err error
}

func (c *ctxSyncer) Sync(ctx context.Context, _ *models.Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = ctx.Err()
	return c.err == nil
}

func TestPing_DNSSurvivesCallerCancel(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run(fmt.Sprintf("async=%v", async), func(t *testing.T) {
			f := newFixture(t, func(c *config.Config) { c.DNS.Async = async })
			n := f.create(t)
			syncer := &ctxSyncer{}
			svc := NewService(f.svc.Config(), f.store, syncer,
				WithClock(f.svc.now),
				WithLogger(logging.Discard().WithField("test", t.Name())),
				WithEvents(f.events),
			)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := svc.Ping(ctx, n.UUID, ping(n, "10.0.0.5"))
			require.NoError(t, err)
			svc.Wait()

			syncer.mu.Lock()
			defer syncer.mu.Unlock()
			assert.NoError(t, syncer.err)
			assert.NotContains(t, f.events.Types(), models.EventNodeDNSFailed)
		})
	}
}
