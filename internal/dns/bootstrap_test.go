package dns

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/nodereg/internal/config"
	"evalgo.org/nodereg/internal/logging"
	"evalgo.org/nodereg/internal/storage"
	"evalgo.org/nodereg/models"
)

func TestReconciler_Run(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "host.tmpl")
	require.NoError(t, os.WriteFile(tmpl, []byte("%{hostname} %{ip_address}"), 0o644))

	store := storage.NewMemoryStore()
	live := &models.Node{UUID: "zzzzz-node-live"}
	require.NoError(t, store.CreateNode(ctx, live))
	require.NoError(t, store.ClaimSlot(ctx, live.UUID, 1))
	live, err := store.GetNode(ctx, live.UUID)
	require.NoError(t, err)
	live.IPAddress = models.StringPtr("10.0.0.9")
	require.NoError(t, store.UpdateNode(ctx, live))

	noIP := &models.Node{UUID: "zzzzz-node-noip"}
	require.NoError(t, store.CreateNode(ctx, noIP))
	require.NoError(t, store.ClaimSlot(ctx, noIP.UUID, 2))

	// slot 3 already published, must be left alone
	require.NoError(t, os.WriteFile(filepath.Join(dir, "compute3.conf"), []byte("keep\n"), 0o644))

	cluster := config.ClusterConfig{MaxNodes: 4, AssignNodeHostname: "compute%<slot_number>d", UUIDPrefix: "zzzzz"}
	dnsCfg := config.DNSConfig{ConfDir: dir, ConfTemplate: tmpl}
	logger := logging.Discard().WithField("test", t.Name())
	sync := NewSynchronizer(dnsCfg, "zzzzz", store, WithRunner(&fakeRunner{}), WithLogger(logger))

	published, err := NewReconciler(cluster, dnsCfg, store, sync, logger).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, published)

	expect := map[string]string{
		"compute0.conf": "compute0 127.40.4.0\n",
		"compute1.conf": "compute1 10.0.0.9\n",
		"compute2.conf": "compute2 127.40.4.0\n",
		"compute3.conf": "keep\n",
	}
	for file, want := range expect {
		data, err := os.ReadFile(filepath.Join(dir, file))
		require.NoError(t, err, file)
		assert.Equal(t, want, string(data), file)
	}

	// second run finds everything in place
	published, err = NewReconciler(cluster, dnsCfg, store, sync, logger).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, published)
}

func TestReconciler_Disabled(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewMemoryStore()
	logger := logging.Discard().WithField("test", t.Name())

	tests := []struct {
		name    string
		cluster config.ClusterConfig
		dns     config.DNSConfig
	}{
		{"no hostname template", config.ClusterConfig{MaxNodes: 2}, config.DNSConfig{ConfDir: dir, ConfTemplate: "x"}},
		{"no conf dir", config.ClusterConfig{MaxNodes: 2, AssignNodeHostname: "c%<slot_number>d"}, config.DNSConfig{ConfTemplate: "x"}},
		{"no template", config.ClusterConfig{MaxNodes: 2, AssignNodeHostname: "c%<slot_number>d"}, config.DNSConfig{ConfDir: dir}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sync := NewSynchronizer(tt.dns, "zzzzz", store, WithRunner(&fakeRunner{}), WithLogger(logger))
			r := NewReconciler(tt.cluster, tt.dns, store, sync, logger)
			assert.False(t, r.Enabled())

			published, err := r.Run(context.Background())
			require.NoError(t, err)
			assert.Zero(t, published)
		})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
