// Package capability advertises this node's assessment capabilities on the
// bus and tracks the assessors other nodes announce.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assess/internal/bus"
	"github.com/loqalabs/loqa-assess/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce  = "ctrl.node.announce"
	subjectHeartbeat = "ctrl.node.heartbeat"

	// Assessment is the capability every assessor node advertises.
	Assessment = "pronunciation.assessment"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Option customizes a Registry.
type Option func(*Registry)

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Registry) { r.meter = mp.Meter("github.com/loqalabs/loqa-assess/capability") }
}

// WithAttributes merges runtime facts (recognizer mode, supported
// granularities) into every capability this node advertises.
func WithAttributes(attrs map[string]string) Option {
	return func(r *Registry) { r.extra = maps.Clone(attrs) }
}

type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	extra  map[string]string
	meter  metric.Meter
	clock  func() time.Time
	cancel context.CancelFunc
	subs   []*nats.Subscription

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger, opts ...Option) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-assess/capability"),
		clock:  time.Now,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	go r.runHeartbeat(ctx, interval)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.clock().UTC()}
			if err := r.bus.PublishJSON(subjectHeartbeat+"."+r.cfg.ID, hb); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.advertised(),
		Timestamp:    r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(SubjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

// advertised merges the configured capabilities with the runtime attributes.
func (r *Registry) advertised() []Capability {
	result := make([]Capability, 0, len(r.cfg.Capabilities))
	for _, c := range r.cfg.Capabilities {
		attrs := maps.Clone(c.Attributes)
		if attrs == nil && len(r.extra) > 0 {
			attrs = make(map[string]string, len(r.extra))
		}
		for k, v := range r.extra {
			if _, set := attrs[k]; !set {
				attrs[k] = v
			}
		}
		result = append(result, Capability{Name: c.Name, Tier: c.Tier, Attributes: attrs})
	}
	return result
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	known := r.known(announcement.NodeID)
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
	// Newcomers only hear heartbeats from existing nodes, so answer them.
	if !known && announcement.NodeID != r.cfg.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) known(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node has announced itself and is still
// heartbeating.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns the known nodes accepted by filter, ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// Assessors lists healthy nodes that can score pronunciation.
func (r *Registry) Assessors() []NodeInfo {
	return r.Query(func(n NodeInfo) bool {
		return n.Healthy && WithCapabilityFilter(Assessment)(n)
	})
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	nodeGauge, err := r.meter.Int64ObservableGauge("loqa.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	capGauge, err := r.meter.Int64ObservableGauge("loqa.capabilities.total", metric.WithDescription("Total advertised capabilities"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		nodes, caps := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(capGauge, caps)
		return nil
	}, nodeGauge, capGauge)
	return err
}

func (r *Registry) snapshotCounts() (nodes int64, caps int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		nodes++
		caps += int64(len(node.Capabilities))
	}
	return nodes, caps
}

// LocalCapabilities returns what this node last announced.
func (r *Registry) LocalCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if node, ok := r.nodes[r.cfg.ID]; ok {
		return append([]Capability(nil), node.Capabilities...)
	}
	return nil
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}
