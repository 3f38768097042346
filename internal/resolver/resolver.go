// Package resolver implements the player resolver (C6): normalizing raw
// in-game identifiers to durable playerIds, with in-flight request
// coalescing so concurrent events for the same player don't race separate
// upserts.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openmohaa/telemetryd/internal/apperrors"
	"github.com/openmohaa/telemetryd/internal/models"
	"github.com/openmohaa/telemetryd/internal/repository"
)

// steamID64Base is the well-known offset between a legacy STEAM_0:x:y
// triplet and its 64-bit SteamID64 form.
const steamID64Base = 76561197960265728

var (
	legacySteamIDPattern = regexp.MustCompile(`^STEAM_[01]:([01]):(\d+)$`)
	controlCharPattern   = regexp.MustCompile(`[\x00-\x1f\x7f]`)

	// ErrInvalidIdentifier is the validation error for an empty or
	// malformed raw identifier (§4.4 step 1).
	ErrInvalidIdentifier = errors.New("invalid or malformed player identifier")
	// ErrInvalidPlayerName is the validation error for a name that
	// sanitizes to empty (§4.4 step 2).
	ErrInvalidPlayerName = errors.New("player name is empty after sanitization")
)

// Resolver implements getOrCreatePlayer (§4.4), coalescing concurrent
// lookups for the same (effectiveId, game) behind a singleflight group.
// singleflight.Group.Do already removes a key as soon as its call
// completes, so coalescing only ever spans callers concurrent with an
// in-flight upsert — there is no retention window after success.
type Resolver struct {
	players repository.PlayerRepository
	logger  *zap.SugaredLogger

	group *singleflight.Group
}

func New(players repository.PlayerRepository, logger *zap.Logger) *Resolver {
	return &Resolver{
		players: players,
		logger:  logger.Sugar(),
		group:   &singleflight.Group{},
	}
}

// sanitizePlayerName trims whitespace and strips control characters
// (§4.4 step 2).
func sanitizePlayerName(name string) string {
	cleaned := controlCharPattern.ReplaceAllString(name, "")
	return strings.TrimSpace(cleaned)
}

func sanitizeForBotID(name string) string {
	trimmed := strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "unknown"
	}
	return out
}

// NormalizeIdentifier converts a raw in-game identifier into its
// effective, persistence-layer form (§4.4 step 1): the bot pseudo-ID
// scheme for the literal "BOT", the canonical 64-bit SteamID for legacy
// STEAM_0:x:y strings, or the identifier unchanged if already canonical.
func NormalizeIdentifier(raw, playerName, serverID string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidIdentifier
	}

	if strings.EqualFold(trimmed, "BOT") {
		return fmt.Sprintf("BOT_%s_%s", serverID, sanitizeForBotID(playerName)), nil
	}

	if m := legacySteamIDPattern.FindStringSubmatch(trimmed); m != nil {
		x, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidIdentifier, trimmed)
		}
		y, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidIdentifier, trimmed)
		}
		id64 := steamID64Base + 2*y + x
		return strconv.FormatInt(id64, 10), nil
	}

	// Already canonical (SteamID64, or another game's native identifier
	// scheme) — pass through unchanged.
	return trimmed, nil
}

// GetOrCreatePlayer resolves a raw in-game identifier to a durable
// playerId, coalescing concurrent callers for the same key (§4.4).
func (r *Resolver) GetOrCreatePlayer(ctx context.Context, rawUniqueID, playerName, game, serverID string) (int64, error) {
	effectiveID, err := NormalizeIdentifier(rawUniqueID, playerName, serverID)
	if err != nil {
		return 0, apperrors.Validation("GetOrCreatePlayer", err)
	}

	cleanName := sanitizePlayerName(playerName)
	if cleanName == "" {
		return 0, apperrors.Validation("GetOrCreatePlayer", ErrInvalidPlayerName)
	}

	key := effectiveID + "|" + game

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		player, upsertErr := r.players.UpsertPlayer(ctx, models.PlayerUpsert{
			UniqueID:   effectiveID,
			Game:       game,
			PlayerName: cleanName,
		})
		if upsertErr != nil {
			return int64(0), apperrors.Transient("GetOrCreatePlayer", upsertErr)
		}
		return player.PlayerID, nil
	})
	if err != nil {
		return 0, err
	}

	playerID := v.(int64)
	if playerID <= 0 {
		return 0, apperrors.Transient("GetOrCreatePlayer", fmt.Errorf("upsert returned non-positive playerId for %s", key))
	}
	return playerID, nil
}
