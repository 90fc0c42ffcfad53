package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"evalgo.org/nodereg/internal/dns"
	"evalgo.org/nodereg/internal/metrics"
	"evalgo.org/nodereg/internal/storage"
	"evalgo.org/nodereg/models"
)

// Ping handles a liveness report from a compute node. A node that pings
// successfully is guaranteed a slot number and, when hostname assignment
// is configured, a hostname. The updated node is returned.
//
// A failing ping leaves the record as it was, with two exceptions: a
// missing ping secret is generated and kept, and a slot claimed before a
// later step failed stays with the node.
func (s *Service) Ping(ctx context.Context, uuid string, req *models.PingRequest) (node *models.Node, err error) {
	defer func() { metrics.RecordPing(pingResult(err)) }()

	if result := s.validator.ValidatePing(req); !result.Valid {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, result)
	}

	node, err = s.GetNode(ctx, uuid)
	if err != nil {
		return nil, err
	}
	log := s.logger.WithField("uuid", uuid)

	if err := s.checkSecret(ctx, node, req.PingSecret, log); err != nil {
		return nil, err
	}

	before := node.Clone()
	now := s.now()

	if err := checkInstance(node, req.EC2InstanceID, log); err != nil {
		return nil, err
	}

	slot, err := s.allocator.Assign(ctx, node)
	if err != nil {
		return nil, err
	}

	var hostname string
	if node.Hostname == nil && s.cfg.Cluster.HostnameAssignment() {
		if hostname, err = dns.HostnameForSlot(s.cfg.Cluster.AssignNodeHostname, slot); err != nil {
			return nil, err
		}
	}

	// Only ping-owned fields are written; admin updates made since the
	// node was loaded are kept.
	node, err = s.store.ModifyNode(ctx, uuid, func(cur *models.Node) error {
		if err := checkInstance(cur, req.EC2InstanceID, log); err != nil {
			return err
		}
		if req.EC2InstanceID != "" {
			cur.Info.EC2InstanceID = req.EC2InstanceID
		}
		if cur.IPAddress == nil {
			cur.IPAddress = models.StringPtr(req.IP)
			cur.FirstPingAt = models.TimePtr(now)
		}
		if cur.Hostname == nil && hostname != "" {
			cur.Hostname = models.StringPtr(hostname)
		}
		for key, value := range req.Capacity() {
			if value == nil {
				cur.Properties.Delete(key)
				continue
			}
			cur.Properties.Set(key, value.Int64())
		}
		cur.LastPingAt = models.TimePtr(now)
		cur.ModifiedAt = now
		return nil
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrNodeNotFound
	case errors.Is(err, ErrConflict):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("failed to save node %s: %w", uuid, err)
	}
	if before.IPAddress == nil && node.IPAddress != nil {
		log.WithField("ip_address", *node.IPAddress).Info("Recorded ip address")
	}

	if s.dns != nil && dnsChanged(before, node) {
		s.syncDNS(ctx, node.Clone())
	}

	s.publish(models.EventNodePinged, node)
	return node, nil
}

// checkSecret compares the presented secret with the stored one in
// constant time. A node without a secret gets one generated and saved
// first, so the comparison then fails.
func (s *Service) checkSecret(ctx context.Context, node *models.Node, presented string, log *logrus.Entry) error {
	if node.Info.PingSecret == "" {
		saved, err := s.store.ModifyNode(ctx, node.UUID, func(cur *models.Node) error {
			generated, err := EnsurePingSecret(&cur.Info)
			if generated {
				cur.ModifiedAt = s.now()
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to save ping secret: %w", err)
		}
		node.Info.PingSecret = saved.Info.PingSecret
		log.Warn("Node had no ping secret; generated one")
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(node.Info.PingSecret)) != 1 {
		log.WithFields(logrus.Fields{
			"received": presented,
			"expected": node.Info.PingSecret,
		}).Info("Ping: secret mismatch")
		return ErrUnauthorized
	}
	return nil
}

// checkInstance rejects a ping whose EC2 instance id differs from the one
// already recorded for the node.
func checkInstance(node *models.Node, instanceID string, log *logrus.Entry) error {
	if instanceID == "" || node.Info.EC2InstanceID == "" || node.Info.EC2InstanceID == instanceID {
		return nil
	}
	log.WithFields(logrus.Fields{
		"running_at": node.Info.EC2InstanceID,
		"ping_from":  instanceID,
	}).Debug("Multiple nodes have credentials for one node record")
	return fmt.Errorf("%w: %s is already running at %s, rejecting ping from %s",
		ErrConflict, node.UUID, node.Info.EC2InstanceID, instanceID)
}

func dnsChanged(before, after *models.Node) bool {
	return models.StringValue(before.Hostname) != models.StringValue(after.Hostname) ||
		models.StringValue(before.IPAddress) != models.StringValue(after.IPAddress)
}

// syncDNS runs the synchronizer for a committed node. Failure is logged
// and published, never returned to the pinging node.
func (s *Service) syncDNS(ctx context.Context, node *models.Node) {
	run := func(ctx context.Context) {
		if s.dns.Sync(ctx, node) {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"uuid":       node.UUID,
			"hostname":   models.StringValue(node.Hostname),
			"ip_address": models.StringValue(node.IPAddress),
		}).Warn("DNS synchronization failed")
		s.publish(models.EventNodeDNSFailed, node)
	}

	// A node hanging up must not abort a half-published update: later
	// pings see no change and would never retry it. The command timeout
	// bounds the work instead.
	ctx = context.WithoutCancel(ctx)
	if !s.cfg.DNS.Async {
		run(ctx)
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		run(ctx)
	}()
}

func pingResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrSlotsExhausted):
		return "exhausted"
	case errors.Is(err, ErrNodeNotFound):
		return "not_found"
	default:
		return "error"
	}
}
