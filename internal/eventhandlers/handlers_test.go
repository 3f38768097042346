package eventhandlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openmohaa/telemetryd/internal/apperrors"
	"github.com/openmohaa/telemetryd/internal/models"
	"github.com/openmohaa/telemetryd/internal/notify"
	"github.com/openmohaa/telemetryd/internal/repository"
	"github.com/openmohaa/telemetryd/internal/session"
)

// --- fakes -----------------------------------------------------------------

type fakeResolver struct {
	playerID int64
	err      error
	calls    int
}

func (f *fakeResolver) GetOrCreatePlayer(ctx context.Context, rawUniqueID, playerName, game, serverID string) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.playerID, nil
}

type fakePlayers struct {
	players map[int64]*models.Player
	byUID   map[string]*models.Player

	updates    []models.PlayerUpdate
	updateErrs []error // returned in sequence, one per Update call

	chatEvents int
	frags      int
}

func newFakePlayers() *fakePlayers {
	return &fakePlayers{players: map[int64]*models.Player{}, byUID: map[string]*models.Player{}}
}

func (f *fakePlayers) FindByID(ctx context.Context, playerID int64) (*models.Player, error) {
	p, ok := f.players[playerID]
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (f *fakePlayers) FindByUniqueID(ctx context.Context, uniqueID, game string) (*models.Player, error) {
	p, ok := f.byUID[uniqueID]
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (f *fakePlayers) Create(ctx context.Context, up models.PlayerUpsert) (*models.Player, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePlayers) UpsertPlayer(ctx context.Context, up models.PlayerUpsert) (*models.Player, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePlayers) Update(ctx context.Context, playerID int64, patch models.PlayerUpdate) error {
	f.updates = append(f.updates, patch)
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		return err
	}
	return nil
}

func (f *fakePlayers) GetPlayerStats(ctx context.Context, playerID int64) (models.PlayerStats, error) {
	return models.DefaultPlayerStats(playerID), nil
}

func (f *fakePlayers) GetPlayerStatsBatch(ctx context.Context, playerIDs []int64) (map[int64]models.PlayerStats, error) {
	return nil, nil
}

func (f *fakePlayers) UpdatePlayerStatsBatch(ctx context.Context, updates []models.StatBatchUpdate) error {
	return nil
}

func (f *fakePlayers) LogEventFrag(ctx context.Context, frag models.EventFrag) error {
	f.frags++
	return nil
}

func (f *fakePlayers) CreateConnectEvent(ctx context.Context, serverID string, playerID int64, ip string, at time.Time) error {
	return nil
}

func (f *fakePlayers) CreateDisconnectEvent(ctx context.Context, serverID string, playerID int64, reason string, at time.Time) error {
	return nil
}

func (f *fakePlayers) CreateChatEvent(ctx context.Context, serverID string, playerID int64, message string, teamOnly bool, mapName string, at time.Time) error {
	f.chatEvents++
	return nil
}

func (f *fakePlayers) HasRecentConnect(ctx context.Context, serverID string, playerID int64, within time.Duration) (bool, error) {
	return false, nil
}

func (f *fakePlayers) BackfillConnectDisconnectTime(ctx context.Context, serverID string, playerID int64, at time.Time) error {
	return nil
}

func (f *fakePlayers) FindTopPlayers(ctx context.Context, game string, limit int) ([]models.Player, error) {
	return nil, nil
}

type fakeServers struct{ game string }

func (f *fakeServers) FindByID(ctx context.Context, serverID string) (*repository.ServerRecord, error) {
	return &repository.ServerRecord{ServerID: serverID, Game: f.game}, nil
}
func (f *fakeServers) FindActiveServersWithRcon(ctx context.Context) ([]repository.ServerRecord, error) {
	return nil, nil
}
func (f *fakeServers) FindServersByIDs(ctx context.Context, serverIDs []string) ([]repository.ServerRecord, error) {
	return nil, nil
}
func (f *fakeServers) GetServerGame(ctx context.Context, serverID string) (string, error) {
	return f.game, nil
}
func (f *fakeServers) GetServerConfigBoolean(ctx context.Context, serverID, key string, def bool) (bool, error) {
	return def, nil
}
func (f *fakeServers) HasRconCredentials(ctx context.Context, serverID string) (bool, error) {
	return true, nil
}

type fakeRanking struct {
	killerChange, victimChange float64
	suicidePenalty             float64
}

func (f *fakeRanking) CalculateSkillAdjustment(ctx context.Context, killer, victim models.PlayerStats, kctx models.KillContext) (float64, float64, error) {
	return f.killerChange, f.victimChange, nil
}
func (f *fakeRanking) CalculateSuicidePenalty(ctx context.Context) (float64, error) {
	return f.suicidePenalty, nil
}
func (f *fakeRanking) GetBatchPlayerRanks(ctx context.Context, playerIDs []int64) (map[int64]int, error) {
	return nil, nil
}
func (f *fakeRanking) GetPlayerRankPosition(ctx context.Context, playerID int64) (int, error) {
	return 0, nil
}

type fakeRcon struct{ execErr error }

func (f *fakeRcon) IsConnected(serverID string) bool { return true }
func (f *fakeRcon) Connect(ctx context.Context, serverID string) error { return nil }
func (f *fakeRcon) Disconnect(ctx context.Context, serverID string) error { return nil }
func (f *fakeRcon) GetStatus(ctx context.Context, serverID string) (*models.RconStatus, error) {
	return &models.RconStatus{}, nil
}
func (f *fakeRcon) ExecuteCommand(ctx context.Context, serverID, raw string) (string, error) {
	return "", f.execErr
}

type allowAllLoader struct{}

func (allowAllLoader) LoadNotificationConfig(ctx context.Context, serverID string) (*models.NotificationConfig, error) {
	return nil, nil
}

func newTestHandlers() (*Handlers, *fakePlayers, *fakeResolver, *session.Service) {
	logger := zap.NewNop()
	store := session.NewStore()
	resolver := &fakeResolver{playerID: 42}
	rcon := &fakeRcon{}
	players := newFakePlayers()
	servers := &fakeServers{game: "mohaa"}
	svc := session.NewService(store, resolver, rcon, players, servers, logger)
	ranking := &fakeRanking{killerChange: 5, victimChange: -5, suicidePenalty: 10}
	dispatcher := notify.NewDispatcher(rcon, allowAllLoader{}, time.Minute, logger, nil)

	h := New(resolver, svc, players, servers, ranking, rcon, dispatcher, logger, nil)
	return h, players, resolver, svc
}

func mustEvent(t *testing.T, eventType models.EventType, serverID string, meta *models.EventMeta, data any) *models.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	return &models.Event{
		EventType: eventType,
		Timestamp: time.Now(),
		ServerID:  serverID,
		Meta:      meta,
		Data:      raw,
	}
}

// --- Connect -----------------------------------------------------------

func TestConnect_CreatesSessionAndNotifies(t *testing.T) {
	h, players, resolver, svc := newTestHandlers()
	resolver.playerID = 7
	players.players[7] = &models.Player{PlayerID: 7}

	meta := &models.EventMeta{SteamID: "76561197960265729", PlayerName: "Alice"}
	event := mustEvent(t, models.EventPlayerConnect, "srv1", meta, models.ConnectData{GameUserID: 1, SteamID: meta.SteamID, PlayerName: meta.PlayerName})

	if err := h.Connect(context.Background(), event); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sess := svc.GetSessionByGameUserID("srv1", 1)
	if sess == nil {
		t.Fatal("expected session to be created")
	}
	if sess.DatabasePlayerID != 7 {
		t.Errorf("expected playerId 7, got %d", sess.DatabasePlayerID)
	}
}

func TestConnect_MissingMetaFailsValidation(t *testing.T) {
	h, _, _, _ := newTestHandlers()
	event := mustEvent(t, models.EventPlayerConnect, "srv1", nil, models.ConnectData{GameUserID: 1})

	err := h.Connect(context.Background(), event)
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// --- Disconnect ----------------------------------------------------------

func TestDisconnect_RemovesSession(t *testing.T) {
	h, players, resolver, svc := newTestHandlers()
	resolver.playerID = 9
	players.players[9] = &models.Player{PlayerID: 9}

	meta := &models.EventMeta{SteamID: "76561197960265729", PlayerName: "Bob"}
	connect := mustEvent(t, models.EventPlayerConnect, "srv1", meta, models.ConnectData{GameUserID: 2, SteamID: meta.SteamID, PlayerName: meta.PlayerName})
	if err := h.Connect(context.Background(), connect); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	disconnect := mustEvent(t, models.EventPlayerDisconnect, "srv1", nil, models.DisconnectData{GameUserID: 2, SteamID: meta.SteamID})
	if err := h.Disconnect(context.Background(), disconnect); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if svc.GetSessionByGameUserID("srv1", 2) != nil {
		t.Error("expected session to be removed after disconnect")
	}
}

func TestDisconnect_NoSessionNoSteamIDIsNoop(t *testing.T) {
	h, _, _, _ := newTestHandlers()
	event := mustEvent(t, models.EventPlayerDisconnect, "srv1", nil, models.DisconnectData{GameUserID: 99})

	if err := h.Disconnect(context.Background(), event); err != nil {
		t.Fatalf("expected nil error for skip path, got %v", err)
	}
}

func TestDisconnect_MismatchedSessionIsCleanedUp(t *testing.T) {
	h, players, resolver, svc := newTestHandlers()
	resolver.playerID = 11
	players.players[11] = &models.Player{PlayerID: 11}

	meta := &models.EventMeta{SteamID: "76561197960265800", PlayerName: "Carl"}
	connect := mustEvent(t, models.EventPlayerConnect, "srv1", meta, models.ConnectData{GameUserID: 3, SteamID: meta.SteamID, PlayerName: meta.PlayerName})
	if err := h.Connect(context.Background(), connect); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// disconnect references a different gameUserId but the same steamId
	disconnect := mustEvent(t, models.EventPlayerDisconnect, "srv1", nil, models.DisconnectData{GameUserID: 999, SteamID: meta.SteamID})
	if err := h.Disconnect(context.Background(), disconnect); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if svc.GetSessionByGameUserID("srv1", 3) != nil {
		t.Error("expected the stale session to be removed")
	}
}

// --- Kill ------------------------------------------------------------------

func seedKillScenario(t *testing.T, h *Handlers, players *fakePlayers, svc *session.Service) {
	t.Helper()
	players.players[1] = &models.Player{PlayerID: 1, Kills: 3, Deaths: 1, KillStreak: 2, DeathStreak: 0}
	players.players[2] = &models.Player{PlayerID: 2, Kills: 0, Deaths: 5, KillStreak: 0, DeathStreak: 3}

	if err := svc.CreateSession(&models.PlayerSession{ServerID: "srv1", GameUserID: 10, DatabasePlayerID: 1, PlayerName: "Killer"}); err != nil {
		t.Fatalf("seed killer session: %v", err)
	}
	if err := svc.CreateSession(&models.PlayerSession{ServerID: "srv1", GameUserID: 20, DatabasePlayerID: 2, PlayerName: "Victim"}); err != nil {
		t.Fatalf("seed victim session: %v", err)
	}
}

func TestKill_UpdatesBothPlayersAndLogsFrag(t *testing.T) {
	h, players, _, svc := newTestHandlers()
	seedKillScenario(t, h, players, svc)

	event := mustEvent(t, models.EventPlayerKill, "srv1", nil, models.KillData{
		KillerGameUserID: 10, VictimGameUserID: 20, Weapon: "rifle", Headshot: true, KillerTeam: "allies", VictimTeam: "axis",
	})

	if err := h.Kill(context.Background(), event); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	if len(players.updates) != 2 {
		t.Fatalf("expected 2 player updates, got %d", len(players.updates))
	}
	if players.frags != 1 {
		t.Errorf("expected 1 frag logged, got %d", players.frags)
	}
}

func TestKill_MissingSessionReturnsNotFound(t *testing.T) {
	h, _, _, _ := newTestHandlers()
	event := mustEvent(t, models.EventPlayerKill, "srv1", nil, models.KillData{KillerGameUserID: 1, VictimGameUserID: 2})

	err := h.Kill(context.Background(), event)
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestKill_SkillUnderflowRetriesClampedToZero(t *testing.T) {
	h, players, _, svc := newTestHandlers()
	seedKillScenario(t, h, players, svc)
	// the first Update call (killer or victim, whichever runs first) fails
	// with underflow; its clamped retry and the other update succeed
	players.updateErrs = []error{apperrors.ErrSkillUnderflow, nil, nil, nil}

	event := mustEvent(t, models.EventPlayerKill, "srv1", nil, models.KillData{
		KillerGameUserID: 10, VictimGameUserID: 20, Weapon: "knife",
	})

	if err := h.Kill(context.Background(), event); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if len(players.updates) != 3 {
		t.Fatalf("expected 3 Update calls (one retried), got %d", len(players.updates))
	}
	clamped := false
	for _, u := range players.updates {
		if u.SkillSet != nil && *u.SkillSet == 0 {
			clamped = true
		}
	}
	if !clamped {
		t.Error("expected the retried update to clamp skill to 0")
	}
}

// --- Suicide / Teamkill / Damage / Chat -----------------------------------

func TestSuicide_AppliesPenaltyAndResetsStreak(t *testing.T) {
	h, players, _, svc := newTestHandlers()
	players.players[5] = &models.Player{PlayerID: 5, KillStreak: 4}
	if err := svc.CreateSession(&models.PlayerSession{ServerID: "srv1", GameUserID: 30, DatabasePlayerID: 5, PlayerName: "Dana"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	event := mustEvent(t, models.EventPlayerSuicide, "srv1", nil, models.SuicideData{GameUserID: 30})
	if err := h.Suicide(context.Background(), event); err != nil {
		t.Fatalf("Suicide failed: %v", err)
	}
	if len(players.updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(players.updates))
	}
	patch := players.updates[0]
	if patch.SkillDelta != -10 {
		t.Errorf("expected skill delta -10, got %v", patch.SkillDelta)
	}
	if patch.KillStreakSet == nil || *patch.KillStreakSet != 0 {
		t.Errorf("expected kill streak reset to 0, got %v", patch.KillStreakSet)
	}
}

func TestTeamkill_RoutesThroughKillWithForcedTeams(t *testing.T) {
	h, players, _, svc := newTestHandlers()
	seedKillScenario(t, h, players, svc)

	event := mustEvent(t, models.EventPlayerTeamkill, "srv1", nil, models.TeamkillData{
		KillData: models.KillData{KillerGameUserID: 10, VictimGameUserID: 20, Weapon: "grenade", KillerTeam: "allies", VictimTeam: "axis"},
	})

	if err := h.Teamkill(context.Background(), event); err != nil {
		t.Fatalf("Teamkill failed: %v", err)
	}
	if len(players.updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(players.updates))
	}
	// killer and victim updates run concurrently, so pick the killer's by
	// its kill delta rather than by position
	var killerUpdate *models.PlayerUpdate
	for i := range players.updates {
		if players.updates[i].KillsDelta == 1 {
			killerUpdate = &players.updates[i]
		}
	}
	if killerUpdate == nil || killerUpdate.TeamkillsDelta != 1 {
		t.Errorf("expected killer update to carry a teamkill delta")
	}
}

func TestDamage_IncrementsShotsHitsAndHeadshots(t *testing.T) {
	h, players, _, svc := newTestHandlers()
	players.players[1] = &models.Player{PlayerID: 1}
	if err := svc.CreateSession(&models.PlayerSession{ServerID: "srv1", GameUserID: 10, DatabasePlayerID: 1, PlayerName: "Shooter"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	event := mustEvent(t, models.EventPlayerDamage, "srv1", nil, models.DamageData{AttackerGameUserID: 10, VictimGameUserID: 20, Hitgroup: "head", Amount: 40})
	if err := h.Damage(context.Background(), event); err != nil {
		t.Fatalf("Damage failed: %v", err)
	}
	patch := players.updates[0]
	if patch.ShotsDelta != 1 || patch.HitsDelta != 1 || patch.HeadshotsDelta != 1 {
		t.Errorf("unexpected damage patch: %+v", patch)
	}
}

func TestChat_PersistsRowAndDoesNotFailOnNotifyError(t *testing.T) {
	h, players, _, svc := newTestHandlers()
	players.players[1] = &models.Player{PlayerID: 1}
	if err := svc.CreateSession(&models.PlayerSession{ServerID: "srv1", GameUserID: 10, DatabasePlayerID: 1, PlayerName: "Talker"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	h.rcon.(*fakeRcon).execErr = errors.New("rcon unavailable")

	event := mustEvent(t, models.EventChatMessage, "srv1", nil, models.ChatData{GameUserID: 10, Message: "gg"})
	if err := h.Chat(context.Background(), event); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if players.chatEvents != 1 {
		t.Errorf("expected 1 chat event row persisted, got %d", players.chatEvents)
	}
}

// --- ChangeName / ChangeTeam / ChangeRole ---------------------------------

func TestChangeName_UpdatesSessionAndDurableName(t *testing.T) {
	h, players, _, svc := newTestHandlers()
	players.players[1] = &models.Player{PlayerID: 1}
	if err := svc.CreateSession(&models.PlayerSession{ServerID: "srv1", GameUserID: 10, DatabasePlayerID: 1, PlayerName: "Old"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	event := mustEvent(t, models.EventPlayerChangeName, "srv1", nil, models.ChangeNameData{GameUserID: 10, OldName: "Old", NewName: "New"})
	if err := h.ChangeName(context.Background(), event); err != nil {
		t.Fatalf("ChangeName failed: %v", err)
	}

	sess := svc.GetSessionByGameUserID("srv1", 10)
	if sess.PlayerName != "New" {
		t.Errorf("expected session name updated to New, got %s", sess.PlayerName)
	}
	if len(players.updates) != 1 || players.updates[0].LastNameSet == nil || *players.updates[0].LastNameSet != "New" {
		t.Errorf("expected durable lastName updated to New, got %+v", players.updates)
	}
}

func TestChangeTeam_ValidatesPayloadOnly(t *testing.T) {
	h, _, _, _ := newTestHandlers()
	event := mustEvent(t, models.EventPlayerChangeTeam, "srv1", nil, models.ChangeTeamData{GameUserID: 10, NewTeam: "axis"})
	if err := h.ChangeTeam(context.Background(), event); err != nil {
		t.Fatalf("ChangeTeam failed: %v", err)
	}
}

func TestChangeRole_ValidatesPayloadOnly(t *testing.T) {
	h, _, _, _ := newTestHandlers()
	event := mustEvent(t, models.EventPlayerChangeRole, "srv1", nil, models.ChangeRoleData{GameUserID: 10, NewRole: "sniper"})
	if err := h.ChangeRole(context.Background(), event); err != nil {
		t.Fatalf("ChangeRole failed: %v", err)
	}
}

// --- Entry -----------------------------------------------------------------

func TestEntry_MaterializesSessionWhenMissing(t *testing.T) {
	h, players, resolver, svc := newTestHandlers()
	resolver.playerID = 50
	players.players[50] = &models.Player{PlayerID: 50}

	event := mustEvent(t, models.EventPlayerEntry, "srv1", nil, models.EntryData{GameUserID: 40, SteamID: "76561197960265729", PlayerName: "Spectator"})
	if err := h.Entry(context.Background(), event); err != nil {
		t.Fatalf("Entry failed: %v", err)
	}

	if svc.GetSessionByGameUserID("srv1", 40) == nil {
		t.Error("expected session materialized for entry event")
	}
}

func TestEntry_MissingIdentityIsValidationError(t *testing.T) {
	h, _, _, _ := newTestHandlers()
	event := mustEvent(t, models.EventPlayerEntry, "srv1", nil, models.EntryData{GameUserID: 40})

	err := h.Entry(context.Background(), event)
	if !apperrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
