// Package capability announces this node on the bus and follows the
// announcements and load heartbeats of its peers.
package capability

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/voicewire/internal/bus"
	"github.com/loqalabs/voicewire/internal/config"
	"github.com/loqalabs/voicewire/internal/status"
)

const (
	subjectAnnounce  = "voicewire.node.announce"
	subjectHeartbeat = "voicewire.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is what the registry knows about one node. Load fields come
// from the node's most recent heartbeat.
type NodeInfo struct {
	ID             string       `json:"id"`
	Role           string       `json:"role"`
	Advertise      string       `json:"advertise,omitempty"`
	Capabilities   []Capability `json:"capabilities"`
	Utilization    float64      `json:"utilization"`
	MaxUtilization float64      `json:"max_utilization"`
	CanOverload    bool         `json:"can_overload"`
	LastSeen       time.Time    `json:"last_seen"`
	Healthy        bool         `json:"healthy"`
}

func (n NodeInfo) accepts() bool {
	return n.CanOverload || n.Utilization < n.MaxUtilization
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Advertise    string       `json:"advertise,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// heartbeatMessage repeats the announced capabilities so peers that
// subscribed after the announcement still learn them.
type heartbeatMessage struct {
	NodeID       string          `json:"node_id"`
	Advertise    string          `json:"advertise,omitempty"`
	Capabilities []Capability    `json:"capabilities,omitempty"`
	Load         status.Snapshot `json:"load"`
	Timestamp    time.Time       `json:"timestamp"`
}

// LoadSource reports the local node's load for heartbeats.
type LoadSource interface {
	Snapshot() status.Snapshot
}

type Registry struct {
	cfg       config.NodeConfig
	log       *slog.Logger
	bus       *bus.Client
	load      LoadSource
	now       func() time.Time
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, load LoadSource, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		load:   load,
		now:    time.Now,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/voicewire/capability"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	if err := r.publishHeartbeat(); err != nil {
		r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
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
		Advertise:    r.cfg.Advertise,
		Capabilities: convertCapabilities(r.cfg.Capabilities),
		Timestamp:    r.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subjectAnnounce, payload); err != nil {
		return err
	}
	r.applyAnnounce(msg)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:       r.cfg.ID,
		Advertise:    r.cfg.Advertise,
		Capabilities: convertCapabilities(r.cfg.Capabilities),
		Timestamp:    r.now().UTC(),
	}
	if r.load != nil {
		msg.Load = r.load.Snapshot()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subjectHeartbeat+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	r.applyAnnounce(announcement)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.applyHeartbeat(hb)
}

func (r *Registry) applyAnnounce(msg announceMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.node(msg.NodeID)
	if msg.Role != "" {
		node.Role = msg.Role
	}
	if msg.Advertise != "" {
		node.Advertise = msg.Advertise
	}
	if len(msg.Capabilities) > 0 {
		node.Capabilities = msg.Capabilities
	}
	node.LastSeen = msg.Timestamp
	node.Healthy = true
}

func (r *Registry) applyHeartbeat(hb heartbeatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.node(hb.NodeID)
	if hb.Advertise != "" {
		node.Advertise = hb.Advertise
	}
	if len(hb.Capabilities) > 0 {
		node.Capabilities = hb.Capabilities
	}
	node.Utilization = hb.Load.Utilization
	node.MaxUtilization = hb.Load.MaxUtilization
	node.CanOverload = hb.Load.CanOverload
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

// node must be called with mu held.
func (r *Registry) node(id string) *NodeInfo {
	node, ok := r.nodes[id]
	if !ok {
		node = &NodeInfo{ID: id}
		r.nodes[id] = node
	}
	return node
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Query returns the nodes matching filter, sorted by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(results, func(a, b NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return results
}

// LeastLoaded returns the healthy node advertising capability that has the
// lowest utilization and still accepts sessions.
func (r *Registry) LeastLoaded(capability string) (NodeInfo, bool) {
	candidates := r.Query(func(n NodeInfo) bool {
		return n.Healthy && n.accepts() && WithCapabilityFilter(capability)(n)
	})
	if len(candidates) == 0 {
		return NodeInfo{}, false
	}
	return slices.MinFunc(candidates, func(a, b NodeInfo) int {
		return cmp.Compare(a.Utilization, b.Utilization)
	}), true
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	nodeGauge, err := r.meter.Int64ObservableGauge("voicewire.cluster.nodes", metric.WithDescription("Number of healthy nodes"))
	if err != nil {
		return err
	}
	utilGauge, err := r.meter.Float64ObservableGauge("voicewire.cluster.utilization", metric.WithDescription("Mean utilization across healthy nodes"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, mean := r.clusterLoad()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveFloat64(utilGauge, mean)
		return nil
	}, nodeGauge, utilGauge)
	return err
}

func (r *Registry) clusterLoad() (int64, float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes int64
	var total float64
	for _, node := range r.nodes {
		if !node.Healthy {
			continue
		}
		nodes++
		total += node.Utilization
	}
	if nodes == 0 {
		return 0, 0
	}
	return nodes, total / float64(nodes)
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		result = append(result, Capability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: c.Attributes,
		})
	}
	return result
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return slices.ContainsFunc(node.Capabilities, func(c Capability) bool { return c.Name == name })
	}
}

func WithTierFilter(tier string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return slices.ContainsFunc(node.Capabilities, func(c Capability) bool { return c.Tier == tier })
	}
}
