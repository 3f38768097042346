package rcon

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openmohaa/telemetryd/internal/bus"
	"github.com/openmohaa/telemetryd/internal/models"
	"github.com/openmohaa/telemetryd/internal/repository"
	"github.com/openmohaa/telemetryd/internal/session"
)

type fakeRconSvc struct {
	mu          sync.Mutex
	connected   map[string]bool
	connectErr  error
	statusErr   error
	connectCalls int32
}

func newFakeRconSvc() *fakeRconSvc {
	return &fakeRconSvc{connected: make(map[string]bool)}
}

func (f *fakeRconSvc) IsConnected(serverID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[serverID]
}
func (f *fakeRconSvc) Connect(ctx context.Context, serverID string) error {
	atomic.AddInt32(&f.connectCalls, 1)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected[serverID] = true
	f.mu.Unlock()
	return nil
}
func (f *fakeRconSvc) Disconnect(ctx context.Context, serverID string) error {
	f.mu.Lock()
	delete(f.connected, serverID)
	f.mu.Unlock()
	return nil
}
func (f *fakeRconSvc) GetStatus(ctx context.Context, serverID string) (*models.RconStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &models.RconStatus{}, nil
}
func (f *fakeRconSvc) ExecuteCommand(ctx context.Context, serverID, raw string) (string, error) {
	return "", nil
}

var _ repository.RconService = (*fakeRconSvc)(nil)

type fakeDiscovery struct {
	servers []repository.ServerRecord
}

func (f *fakeDiscovery) FindActiveServersWithRcon(ctx context.Context) ([]repository.ServerRecord, error) {
	return f.servers, nil
}

func TestMonitor_SweepSkipsBackingOffServer(t *testing.T) {
	rconSvc := newFakeRconSvc()
	discovery := &fakeDiscovery{servers: []repository.ServerRecord{{ServerID: "srv7"}}}
	tracker := NewFailureTracker(testConfig())
	tracker.RecordFailure("srv7", time.Now())

	m := NewMonitor(rconSvc, discovery, nil, tracker, zap.NewNop())
	m.sweep(context.Background())

	if rconSvc.IsConnected("srv7") {
		t.Error("backing-off server should have been skipped by the sweep")
	}
}

func TestMonitor_EarlyConnectDedupesConcurrentTriggers(t *testing.T) {
	rconSvc := newFakeRconSvc()
	tracker := NewFailureTracker(testConfig())
	store := session.NewStore()
	resolver := &noopResolver{}
	players := &noopPlayers{}
	servers := &noopServers{}
	sessSvc := session.NewService(store, resolver, rconSvc, players, servers, zap.NewNop())

	m := NewMonitor(rconSvc, &fakeDiscovery{}, sessSvc, tracker, zap.NewNop())
	b := bus.New(zap.NewNop())
	m.SubscribeEarlyConnect(b)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(context.Background(), &models.Event{EventType: models.EventServerAuthenticated, ServerID: "srv1"})
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&rconSvc.connectCalls) > 1 {
		t.Errorf("expected concurrent triggers deduped to one connect attempt, got %d", rconSvc.connectCalls)
	}
	if !rconSvc.IsConnected("srv1") {
		t.Error("expected srv1 to end up connected")
	}
}

type noopResolver struct{}

func (noopResolver) GetOrCreatePlayer(ctx context.Context, rawUniqueID, playerName, game, serverID string) (int64, error) {
	return 1, nil
}

type noopPlayers struct{ repository.PlayerRepository }

type noopServers struct{ repository.ServerRepository }

func (noopServers) GetServerGame(ctx context.Context, serverID string) (string, error) {
	return "mohaa", nil
}
func (noopServers) GetServerConfigBoolean(ctx context.Context, serverID, key string, def bool) (bool, error) {
	return def, nil
}
