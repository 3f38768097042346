package repository

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/openmohaa/telemetryd/internal/models"
)

// ChEventSink is a ClickHouse-backed ClickHouseSink, grounded on the
// teacher's internal/worker.Pool.processBatch insert shape — a single wide
// events table, one row per fact.
type ChEventSink struct {
	conn driver.Conn
}

func NewChEventSink(conn driver.Conn) *ChEventSink {
	return &ChEventSink{conn: conn}
}

func (s *ChEventSink) InsertEventFrag(ctx context.Context, frag models.EventFrag) error {
	var kx, ky, kz, vx, vy, vz float64
	if frag.KillerPos != nil {
		kx, ky, kz = frag.KillerPos.X, frag.KillerPos.Y, frag.KillerPos.Z
	}
	if frag.VictimPos != nil {
		vx, vy, vz = frag.VictimPos.X, frag.VictimPos.Y, frag.VictimPos.Z
	}

	return s.conn.Exec(ctx, `
		INSERT INTO telemetry.event_frags (
			timestamp, server_id, map_name,
			killer_id, killer_name, killer_team,
			victim_id, victim_name, victim_team,
			weapon, headshot,
			killer_x, killer_y, killer_z,
			victim_x, victim_y, victim_z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		frag.Timestamp, frag.ServerID, frag.MapName,
		frag.KillerID, frag.KillerName, frag.KillerTeam,
		frag.VictimID, frag.VictimName, frag.VictimTeam,
		frag.Weapon, frag.Headshot,
		kx, ky, kz, vx, vy, vz,
	)
}

func (s *ChEventSink) InsertEventRow(ctx context.Context, eventType, serverID string, playerID int64, at time.Time, extra map[string]string) error {
	return s.conn.Exec(ctx, `
		INSERT INTO telemetry.event_rows (timestamp, event_type, server_id, player_id, extra)
		VALUES (?, ?, ?, ?, ?)
	`, at, eventType, serverID, playerID, extra)
}
