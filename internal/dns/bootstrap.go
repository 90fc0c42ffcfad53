package dns

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"evalgo.org/nodereg/internal/config"
	"evalgo.org/nodereg/internal/storage"
)

// Reconciler makes sure a DNS config file exists for every slot hostname
// before the cluster scheduler starts, since it refuses to start with
// unresolvable node names.
type Reconciler struct {
	cluster config.ClusterConfig
	dns     config.DNSConfig
	store   NodeStore
	sync    *Synchronizer
	logger  *logrus.Entry
}

// NewReconciler creates a bootstrap reconciler publishing through sync.
func NewReconciler(cluster config.ClusterConfig, dnsCfg config.DNSConfig, store NodeStore, sync *Synchronizer, logger *logrus.Entry) *Reconciler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{
		cluster: cluster,
		dns:     dnsCfg,
		store:   store,
		sync:    sync,
		logger:  logger.WithField("component", "dns-bootstrap"),
	}
}

// Enabled reports whether hostname assignment and config writing are both
// configured.
func (r *Reconciler) Enabled() bool {
	return r.cluster.HostnameAssignment() && r.dns.ConfigWriting()
}

// Run creates the missing config files for slots 0 to max_nodes-1. A slot
// held by a node with an address gets that address, anything else the
// placeholder. Existing files are left alone. It returns the number of
// slots published.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	if !r.Enabled() {
		r.logger.Debug("DNS bootstrap disabled")
		return 0, nil
	}

	published := 0
	for slot := 0; slot < r.cluster.MaxNodes; slot++ {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		hostname, err := HostnameForSlot(r.cluster.AssignNodeHostname, slot)
		if err != nil {
			return published, err
		}
		if _, err := os.Stat(r.sync.HostConfPath(hostname)); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return published, fmt.Errorf("checking config for %s: %w", hostname, err)
		}

		ip := PlaceholderIP
		node, err := r.store.GetNodeBySlot(ctx, slot)
		switch {
		case err == nil:
			if node.IPAddress != nil {
				ip = *node.IPAddress
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			return published, fmt.Errorf("loading node for slot %d: %w", slot, err)
		}

		if !r.sync.Update(ctx, hostname, ip) {
			r.logger.WithField("hostname", hostname).Warn("DNS bootstrap update failed")
		}
		published++
	}

	r.logger.WithField("published", published).Info("DNS bootstrap complete")
	return published, nil
}
