package rcon

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/openmohaa/telemetryd/internal/models"
)

// ServerAddress resolves a server's RCON endpoint and credentials. Owned
// outside the core (ServerRepository or an adjacent settings store).
type ServerAddress interface {
	RconAddress(ctx context.Context, serverID string) (address, password string, err error)
}

// connection is one server's RCON session, guarded by its own mutex and
// wrapped in a circuit breaker so a flapping server can't monopolize
// retries — grounded on the squad-aegis rcon_manager's per-server
// ServerConnection struct, swapping its manual reconnect counter for
// gobreaker.
type connection struct {
	mu      sync.Mutex
	wire    *wireConn
	breaker *gobreaker.CircuitBreaker[string]
}

// Manager is a repository.RconService implementation holding one
// connection per server.
type Manager struct {
	addresses ServerAddress
	timeout   time.Duration
	logger    *zap.SugaredLogger

	mu          sync.RWMutex
	connections map[string]*connection
}

func NewManager(addresses ServerAddress, timeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		addresses:   addresses,
		timeout:     timeout,
		logger:      logger.Sugar(),
		connections: make(map[string]*connection),
	}
}

func (m *Manager) connFor(serverID string) *connection {
	m.mu.RLock()
	c, ok := m.connections[serverID]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.connections[serverID]; ok {
		return c
	}

	c = &connection{
		breaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:        "rcon-" + serverID,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
	m.connections[serverID] = c
	return c
}

func (m *Manager) IsConnected(serverID string) bool {
	c := m.connFor(serverID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wire != nil
}

func (m *Manager) Connect(ctx context.Context, serverID string) error {
	c := m.connFor(serverID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wire != nil {
		return nil
	}

	address, password, err := m.addresses.RconAddress(ctx, serverID)
	if err != nil {
		return fmt.Errorf("resolve rcon address: %w", err)
	}

	wire, err := dial(ctx, address, password, m.timeout)
	if err != nil {
		return err
	}
	c.wire = wire
	m.logger.Infow("rcon connected", "serverId", serverID, "address", address)
	return nil
}

func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	c := m.connFor(serverID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wire == nil {
		return nil
	}
	err := c.wire.Close()
	c.wire = nil
	return err
}

func (m *Manager) ExecuteCommand(ctx context.Context, serverID, raw string) (string, error) {
	c := m.connFor(serverID)

	result, err := c.breaker.Execute(func() (string, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.wire == nil {
			return "", fmt.Errorf("rcon: not connected to server %s", serverID)
		}
		resp, err := c.wire.execute(raw)
		if err != nil {
			c.wire.Close()
			c.wire = nil
			return "", err
		}
		return resp, nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (m *Manager) GetStatus(ctx context.Context, serverID string) (*models.RconStatus, error) {
	raw, err := m.ExecuteCommand(ctx, serverID, "status")
	if err != nil {
		return nil, err
	}
	return parseStatus(raw), nil
}

var statusLinePattern = regexp.MustCompile(`^#?\s*(\d+)\s+"([^"]*)"\s+(\S+)\s+(\d+)\s+(\d+):(\d+)\s+(\d+)\s+(\d+)\s+(\S+)?`)

// parseStatus parses a loosely Half-Life/Source-engine-style `status`
// reply into a RconStatus. The exact column layout varies across engine
// forks; this accepts the common superset, reads the map name from a
// "map" line, and skips every other line that is not a player row.
func parseStatus(raw string) *models.RconStatus {
	status := &models.RconStatus{Timestamp: time.Now()}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(strings.ToLower(line), "map") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				status.Map = parts[len(parts)-1]
			}
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), "players") {
			continue
		}

		m := statusLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		userID, _ := strconv.Atoi(m[1])
		name := m[2]
		uniqueID := m[3]
		frags, _ := strconv.Atoi(m[4])
		minutes, _ := strconv.Atoi(m[5])
		seconds, _ := strconv.Atoi(m[6])
		ping, _ := strconv.Atoi(m[7])
		loss, _ := strconv.Atoi(m[8])
		address := ""
		if len(m) > 9 {
			address = m[9]
		}

		status.Players = append(status.Players, models.RconPlayer{
			Name:     name,
			UserID:   userID,
			UniqueID: uniqueID,
			IsBot:    strings.EqualFold(uniqueID, "BOT"),
			Frags:    frags,
			TimeSecs: minutes*60 + seconds,
			Ping:     ping,
			Loss:     loss,
			Address:  address,
		})
	}

	status.MaxPlayers = len(status.Players)
	return status
}
