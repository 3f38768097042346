// Package ranking provides the default in-process RankingService
// implementation (§6 "ranking service (external)"). No rating-system
// library exists anywhere in the retrieval pack, so the Glicko-2 update
// step is implemented directly against its public formulas rather than
// against a teacher reference — see DESIGN.md.
package ranking

import (
	"context"
	"math"

	"github.com/openmohaa/telemetryd/internal/models"
)

const (
	glicko2Scale  = 173.7178
	defaultTau    = 0.5
	suicideSkillPenalty = 10.0
)

// Service computes Glicko-2 style skill adjustments per kill, treating
// every kill as a single-game match (killer wins, victim loses).
type Service struct {
	tau float64
}

func NewService() *Service {
	return &Service{tau: defaultTau}
}

type glicko2 struct {
	rating float64 // on the original scale, e.g. 1000
	rd     float64 // rating deviation ("confidence" in models.Player)
	vol    float64 // volatility
}

func fromStats(s models.PlayerStats) glicko2 {
	return glicko2{rating: s.Skill, rd: s.Confidence, vol: s.Volatility}
}

// CalculateSkillAdjustment runs one Glicko-2 update for killer (win=1) and
// victim (win=0) against each other, returning only the rating deltas —
// RD/volatility refinement is intentionally left to the persistence layer
// on the next read, keeping this call a pure function of the two inputs.
func (s *Service) CalculateSkillAdjustment(ctx context.Context, killer, victim models.PlayerStats, kctx models.KillContext) (float64, float64, error) {
	k := fromStats(killer)
	v := fromStats(victim)

	killerNew := s.update(k, v, 1.0)
	victimNew := s.update(v, k, 0.0)

	killerChange := killerNew.rating - k.rating
	victimChange := victimNew.rating - v.rating

	if kctx.Headshot {
		killerChange *= 1.1
	}

	return killerChange, victimChange, nil
}

// CalculateSuicidePenalty returns the fixed skill deduction applied on a
// self-inflicted death (§4.5.4).
func (s *Service) CalculateSuicidePenalty(ctx context.Context) (float64, error) {
	return suicideSkillPenalty, nil
}

// GetBatchPlayerRanks and GetPlayerRankPosition are leaderboard queries
// that belong to the persistence layer in a real deployment; the
// in-process default returns an empty/zero result rather than guessing at
// a ranking it has no data to compute.
func (s *Service) GetBatchPlayerRanks(ctx context.Context, playerIDs []int64) (map[int64]int, error) {
	return map[int64]int{}, nil
}

func (s *Service) GetPlayerRankPosition(ctx context.Context, playerID int64) (int, error) {
	return 0, nil
}

func (s *Service) update(player, opponent glicko2, score float64) glicko2 {
	mu := (player.rating - 1500) / glicko2Scale
	phi := player.rd / glicko2Scale
	muJ := (opponent.rating - 1500) / glicko2Scale
	phiJ := opponent.rd / glicko2Scale

	g := 1 / math.Sqrt(1+3*phiJ*phiJ/(math.Pi*math.Pi))
	e := 1 / (1 + math.Exp(-g*(mu-muJ)))
	v := 1 / (g * g * e * (1 - e))

	delta := v * g * (score - e)

	a := math.Log(player.vol * player.vol)
	newVol := s.solveVolatility(a, delta, phi, v, player.vol)

	phiStar := math.Sqrt(phi*phi + newVol*newVol)
	newPhi := 1 / math.Sqrt(1/(phiStar*phiStar)+1/v)
	newMu := mu + newPhi*newPhi*g*(score-e)

	return glicko2{
		rating: newMu*glicko2Scale + 1500,
		rd:     newPhi * glicko2Scale,
		vol:    newVol,
	}
}

// solveVolatility implements the Illinois algorithm from the public
// Glicko-2 specification to find sigma'.
func (s *Service) solveVolatility(a, delta, phi, v, sigma float64) float64 {
	const epsilon = 0.000001

	f := func(x float64) float64 {
		ex := math.Exp(x)
		num := ex * (delta*delta - phi*phi - v - ex)
		den := 2 * math.Pow(phi*phi+v+ex, 2)
		return num/den - (x-a)/(s.tau*s.tau)
	}

	A := a
	var B float64
	if delta*delta > phi*phi+v {
		B = math.Log(delta*delta - phi*phi - v)
	} else {
		k := 1.0
		for f(a-k*s.tau) < 0 {
			k++
		}
		B = a - k*s.tau
	}

	fA, fB := f(A), f(B)
	for math.Abs(B-A) > epsilon {
		C := A + (A-B)*fA/(fB-fA)
		fC := f(C)
		if fC*fB < 0 {
			A, fA = B, fB
		} else {
			fA /= 2
		}
		B, fB = C, fC
	}

	return math.Exp(A / 2)
}
