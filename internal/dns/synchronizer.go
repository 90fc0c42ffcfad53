// Package dns publishes compute node name/address pairs to an external DNS
// server. It never speaks a DNS protocol: it renders per-host config files
// from a template, runs an operator-supplied update command and drops a
// reload trigger file for a watcher process.
package dns

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"evalgo.org/nodereg/internal/config"
	"evalgo.org/nodereg/internal/metrics"
	"evalgo.org/nodereg/models"
)

// StaleThreshold is how long a node must have been silent before another
// node reporting the same IP address takes the address over.
const StaleThreshold = 10 * time.Minute

// RestartFile is the reload trigger written into the config directory.
const RestartFile = "restart.txt"

// NodeStore is the subset of the node store the DNS side needs.
type NodeStore interface {
	GetNodeBySlot(ctx context.Context, slot int) (*models.Node, error)
	FindStaleByIP(ctx context.Context, ip string, excludeID int64, pingedBefore time.Time) ([]*models.Node, error)
	ClearIPAddress(ctx context.Context, id int64) error
}

// CommandRunner runs the DNS update command.
type CommandRunner interface {
	Run(ctx context.Context, command string) error
}

// ExecRunner runs commands through the shell with a timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// Run implements CommandRunner.
func (r ExecRunner) Run(ctx context.Context, command string) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	// children of the shell may hold the output pipe open after a kill
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w (%v)", err, ctx.Err())
		}
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Synchronizer keeps the DNS artifacts in line with node records.
type Synchronizer struct {
	cfg        config.DNSConfig
	uuidPrefix string
	store      NodeStore
	runner     CommandRunner
	logger     *logrus.Entry
	now        func() time.Time
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithRunner replaces the command runner.
func WithRunner(r CommandRunner) Option {
	return func(s *Synchronizer) { s.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithClock sets the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer creates a synchronizer for the given DNS settings.
func NewSynchronizer(cfg config.DNSConfig, uuidPrefix string, store NodeStore, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		cfg:        cfg,
		uuidPrefix: uuidPrefix,
		store:      store,
		runner:     ExecRunner{Timeout: cfg.CommandTimeout},
		logger:     logrus.NewEntry(logrus.StandardLogger()),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "dns")
	return s
}

// ResolveStale clears the IP address of every other node that holds the
// same address and has not pinged within StaleThreshold. It returns the
// number of records cleared.
func (s *Synchronizer) ResolveStale(ctx context.Context, node *models.Node) (int, error) {
	if node.IPAddress == nil {
		return 0, nil
	}
	ip := *node.IPAddress

	stale, err := s.store.FindStaleByIP(ctx, ip, node.ID, s.now().Add(-StaleThreshold))
	if err != nil {
		return 0, fmt.Errorf("failed to find stale nodes for %s: %w", ip, err)
	}

	cleared := 0
	var errs []error
	for _, n := range stale {
		if err := s.store.ClearIPAddress(ctx, n.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear ip address of %s: %w", n.UUID, err))
			continue
		}
		cleared++
		metrics.StaleRecordsCleared.Inc()
		s.logger.WithFields(logrus.Fields{
			"uuid":       n.UUID,
			"ip_address": ip,
			"taken_by":   node.UUID,
		}).Info("Cleared ip address of stale node")
	}
	return cleared, errors.Join(errs...)
}

// Update publishes one hostname/IP pair. The config file write, the
// update command and the reload trigger are each attempted regardless of
// the others; the result is false if any enabled step failed.
func (s *Synchronizer) Update(ctx context.Context, hostname, ip string) bool {
	vars := TemplateVars(hostname, ip, s.uuidPrefix)
	log := s.logger.WithFields(logrus.Fields{"hostname": hostname, "ip_address": ip})
	ok := true

	if s.cfg.ConfigWriting() {
		if err := s.writeHostConf(hostname, vars); err != nil {
			log.WithError(err).Error("Failed to write DNS config")
			ok = false
		}
	}

	if s.cfg.UpdateCommand != "" {
		if err := s.runUpdateCommand(ctx, vars); err != nil {
			log.WithError(err).Error("DNS update command failed")
			ok = false
		}
	}

	if s.cfg.ConfDir != "" && s.cfg.ReloadCommand != "" {
		if err := s.writeRestartFile(); err != nil {
			log.WithError(err).Error("Failed to write DNS reload trigger")
			ok = false
		}
	}

	metrics.RecordDNSSync(ok)
	if ok {
		log.Debug("DNS updated")
	}
	return ok
}

// Sync resolves stale address conflicts for the node and publishes its
// hostname/IP pair when both are known.
func (s *Synchronizer) Sync(ctx context.Context, node *models.Node) bool {
	ok := true
	if _, err := s.ResolveStale(ctx, node); err != nil {
		s.logger.WithError(err).WithField("uuid", node.UUID).Error("Failed to resolve stale nodes")
		ok = false
	}
	if node.Hostname != nil && node.IPAddress != nil {
		if !s.Update(ctx, *node.Hostname, *node.IPAddress) {
			ok = false
		}
	}
	return ok
}

// HostConfPath returns the config file path for a hostname.
func (s *Synchronizer) HostConfPath(hostname string) string {
	return filepath.Join(s.cfg.ConfDir, hostname+".conf")
}

func (s *Synchronizer) writeHostConf(hostname string, vars map[string]interface{}) error {
	tmpl, err := os.ReadFile(s.cfg.ConfTemplate)
	if err != nil {
		return fmt.Errorf("reading template: %w", err)
	}
	content, err := expand(string(tmpl), vars)
	if err != nil {
		return fmt.Errorf("rendering template %s: %w", s.cfg.ConfTemplate, err)
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	// Each writer gets its own temp file; concurrent writers for one host
	// race only on the final rename.
	hostfile := s.HostConfPath(hostname)
	tmp, err := os.CreateTemp(s.cfg.ConfDir, hostname+".conf.*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", hostfile, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), hostfile); err != nil {
		return fmt.Errorf("writing %s: %w", hostfile, err)
	}
	return nil
}

func (s *Synchronizer) runUpdateCommand(ctx context.Context, vars map[string]interface{}) error {
	cmd, err := expand(s.cfg.UpdateCommand, vars)
	if err != nil {
		return fmt.Errorf("rendering update command: %w", err)
	}

	start := time.Now()
	err = s.runner.Run(ctx, cmd)
	metrics.RecordDNSCommand(time.Since(start))
	if err != nil {
		return fmt.Errorf("%q: %w", cmd, err)
	}
	return nil
}

func (s *Synchronizer) writeRestartFile() error {
	path := filepath.Join(s.cfg.ConfDir, RestartFile)
	if err := os.WriteFile(path, []byte(s.cfg.ReloadCommand+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
