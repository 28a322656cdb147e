package capability

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/voicewire/internal/bus"
	"github.com/loqalabs/voicewire/internal/config"
	"github.com/loqalabs/voicewire/internal/natsserver"
	"github.com/loqalabs/voicewire/internal/status"
)

type fixedLoad struct {
	mu   sync.Mutex
	snap status.Snapshot
}

func (f *fixedLoad) Snapshot() status.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fixedLoad) set(u float64) {
	f.mu.Lock()
	f.snap.Utilization = u
	f.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	ns, err := natsserver.Start(cfg, discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	cfg.Servers = []string{ns.ClientURL()}
	c, err := bus.Connect(context.Background(), cfg, "capability-test", discardLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func nodeConfig(id, advertise string, caps ...string) config.NodeConfig {
	cfg := config.NodeConfig{
		ID:                id,
		Role:              "speech",
		Advertise:         advertise,
		HeartbeatInterval: 20,
		HeartbeatTimeout:  2000,
	}
	for _, c := range caps {
		cfg.Capabilities = append(cfg.Capabilities, config.NodeCapability{Name: c, Tier: "balanced"})
	}
	return cfg
}

func TestLeastLoadedFollowsHeartbeats(t *testing.T) {
	bc := connectBus(t)
	ctx := context.Background()

	loadA := &fixedLoad{snap: status.Snapshot{Utilization: 0.5, MaxUtilization: 0.9}}
	loadB := &fixedLoad{snap: status.Snapshot{Utilization: 0.1, MaxUtilization: 0.9}}

	a, err := NewRegistry(ctx, nodeConfig("node-a", "ws://a", "stt", "tts"), bc, loadA, discardLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer a.Close()
	b, err := NewRegistry(ctx, nodeConfig("node-b", "ws://b", "stt"), bc, loadB, discardLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	defer b.Close()

	waitFor(t, "both nodes", func() bool { return len(a.Query(nil)) == 2 && len(b.Query(nil)) == 2 })

	waitFor(t, "node-b least loaded", func() bool {
		n, ok := a.LeastLoaded("stt")
		return ok && n.ID == "node-b" && n.Advertise == "ws://b"
	})
	if n, ok := a.LeastLoaded("tts"); !ok || n.ID != "node-a" {
		t.Fatalf("only node-a serves tts, got %+v %v", n, ok)
	}

	loadB.set(0.95)
	waitFor(t, "node-b full", func() bool {
		n, ok := b.LeastLoaded("stt")
		return ok && n.ID == "node-a"
	})

	loadA.set(0.9)
	waitFor(t, "cluster full", func() bool {
		_, ok := b.LeastLoaded("stt")
		return !ok
	})
	if !a.Healthy() || !b.Healthy() {
		t.Fatal("local nodes should be healthy")
	}
}

func TestEvaluateHealthMarksSilentNodes(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &Registry{cfg: nodeConfig("self", ""), nodes: make(map[string]*NodeInfo), now: func() time.Time { return now }}
	r.applyHeartbeat(heartbeatMessage{NodeID: "self", Timestamp: now})
	r.applyHeartbeat(heartbeatMessage{NodeID: "quiet", Timestamp: now.Add(-5 * time.Second)})

	r.evaluateHealth()

	nodes := r.Query(nil)
	if len(nodes) != 2 || nodes[0].ID != "quiet" || nodes[0].Healthy || !nodes[1].Healthy {
		t.Fatalf("unexpected health %+v", nodes)
	}
	if !r.Healthy() {
		t.Fatal("self should remain healthy")
	}
}

func TestFilters(t *testing.T) {
	n := NodeInfo{Capabilities: []Capability{{Name: "stt", Tier: "edge"}}}
	if !WithCapabilityFilter("stt")(n) || WithCapabilityFilter("tts")(n) {
		t.Fatal("capability filter mismatch")
	}
	if !WithTierFilter("edge")(n) || WithTierFilter("balanced")(n) {
		t.Fatal("tier filter mismatch")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
