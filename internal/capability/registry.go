package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/bus"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"

	// CapabilityTranscribe is advertised by nodes able to serve stt.transcribe.
	CapabilityTranscribe = "stt.transcribe"
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
	ModelState   string       `json:"model_state,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	ModelState   string       `json:"model_state,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID     string    `json:"node_id"`
	ModelState string    `json:"model_state,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Registry announces this node's transcription capability on the bus and
// tracks the other nodes it hears from.
type Registry struct {
	cfg   config.NodeConfig
	log   *slog.Logger
	bus   *bus.Client
	attrs map[string]string

	mu         sync.RWMutex
	nodes      map[string]*NodeInfo
	modelState string

	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

// NewRegistry subscribes to peer announcements and starts heartbeating.
// attrs are merged into the stt.transcribe capability, typically the model
// path and engine mode.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, attrs map[string]string, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:        cfg,
		log:        log.With(slog.String("component", "capability-registry")),
		bus:        busClient,
		attrs:      maps.Clone(attrs),
		nodes:      make(map[string]*NodeInfo),
		modelState: "unloaded",
		meter:      otel.Meter("github.com/Derrick-xn/whisper-base-q8-rn/capability"),
		cancel:     cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
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

// SetModelState records the local model state and re-announces so peers
// see readiness changes without waiting for a heartbeat.
func (r *Registry) SetModelState(state string) {
	r.mu.Lock()
	changed := r.modelState != state
	r.modelState = state
	r.mu.Unlock()
	if !changed {
		return
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to re-announce node", slogError(err))
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
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
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) currentState() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modelState
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.localCapabilities(),
		ModelState:   r.currentState(),
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(SubjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.ModelState, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:     r.cfg.ID,
		ModelState: r.currentState(),
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(SubjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slogError(err))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.ModelState, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.ModelState, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, modelState string, timestamp time.Time) {
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
	if modelState != "" {
		node.ModelState = modelState
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
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
	return results
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("whisperd.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	ready, err := r.meter.Int64ObservableGauge("whisperd.capabilities.ready_transcribers",
		metric.WithDescription("Healthy nodes with a ready model advertising stt.transcribe"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, readyCount := r.snapshotCounts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(ready, readyCount)
		return nil
	}, nodes, ready)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, ready int64
	filter := ReadyTranscribers()
	for _, node := range r.nodes {
		total++
		if filter(*node) {
			ready++
		}
	}
	return total, ready
}

// localCapabilities is the configured capability list with attrs merged into
// stt.transcribe, which is added when missing.
func (r *Registry) localCapabilities() []Capability {
	caps := convertCapabilities(r.cfg.Capabilities)
	found := false
	for i := range caps {
		if caps[i].Name != CapabilityTranscribe {
			continue
		}
		found = true
		merged := maps.Clone(caps[i].Attributes)
		if merged == nil {
			merged = map[string]string{}
		}
		maps.Copy(merged, r.attrs)
		caps[i].Attributes = merged
	}
	if !found {
		caps = append(caps, Capability{Name: CapabilityTranscribe, Tier: "local", Attributes: maps.Clone(r.attrs)})
	}
	return caps
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	result := make([]Capability, 0, len(source)+1)
	for _, c := range source {
		result = append(result, Capability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: maps.Clone(c.Attributes),
		})
	}
	return result
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

// ReadyTranscribers matches healthy nodes whose model is loaded.
func ReadyTranscribers() func(NodeInfo) bool {
	hasCap := WithCapabilityFilter(CapabilityTranscribe)
	return func(node NodeInfo) bool {
		return node.Healthy && node.ModelState == "ready" && hasCap(node)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
