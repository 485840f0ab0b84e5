// Package impact maps canonical in-game events to a probability-shift
// weight. The model is a pure function of the event type and its
// normalized context: no I/O, no state.
package impact

import (
	"math"

	"github.com/atmx/arb-engine/internal/model"
)

// Weights holds the base probability-shift weight per event type.
// Kill and tower events have no entry of their own and use Default.
type Weights struct {
	FirstBlood     float64 `yaml:"first_blood"`
	FirstTower     float64 `yaml:"first_tower"`
	Dragon         float64 `yaml:"dragon"`
	ElderDragon    float64 `yaml:"elder_dragon"`
	Baron          float64 `yaml:"baron"`
	Inhibitor      float64 `yaml:"inhibitor"`
	TeamFight      float64 `yaml:"team_fight"`
	KillStreak     float64 `yaml:"kill_streak"`
	GoldLeadChange float64 `yaml:"gold_lead_change"`
	RiftHerald     float64 `yaml:"rift_herald"`
	ShutdownGold   float64 `yaml:"shutdown_gold"`
	ChampionPick   float64 `yaml:"champion_pick"`
	Ace            float64 `yaml:"ace"`
	BaseRace       float64 `yaml:"base_race"`
	Default        float64 `yaml:"default"`
}

// DefaultWeights are the historical-impact constants the engine ships with.
func DefaultWeights() Weights {
	return Weights{
		FirstBlood:     0.03,
		FirstTower:     0.04,
		Dragon:         0.05,
		ElderDragon:    0.15,
		Baron:          0.12,
		Inhibitor:      0.10,
		TeamFight:      0.08,
		KillStreak:     0.02,
		GoldLeadChange: 0.03,
		RiftHerald:     0.04,
		ShutdownGold:   0.03,
		ChampionPick:   0.01,
		Ace:            0.07,
		BaseRace:       0.20,
		Default:        0.01,
	}
}

// Multipliers holds the context-sensitive adjustments.
type Multipliers struct {
	DragonStackCount   int     `yaml:"dragon_stack_count"` // dragons held by the team
	DragonStack        float64 `yaml:"dragon_stack"`
	TeamFightKillDiff  int     `yaml:"team_fight_kill_diff"`
	TeamFight          float64 `yaml:"team_fight"`
	GoldSwingThreshold int     `yaml:"gold_swing_threshold"`
	GoldSwing          float64 `yaml:"gold_swing"`
	LateBaronMinutes   float64 `yaml:"late_baron_minutes"`
	LateBaron          float64 `yaml:"late_baron"`
}

// DefaultMultipliers returns the shipped multiplier table.
func DefaultMultipliers() Multipliers {
	return Multipliers{
		DragonStackCount:   3,
		DragonStack:        1.5,
		TeamFightKillDiff:  3,
		TeamFight:          1.3,
		GoldSwingThreshold: 3000,
		GoldSwing:          1.5,
		LateBaronMinutes:   30,
		LateBaron:          1.2,
	}
}

// Model computes event weights.
type Model struct {
	Weights     Weights
	Multipliers Multipliers
}

// NewModel creates a model with the default tables.
func NewModel() *Model {
	return &Model{
		Weights:     DefaultWeights(),
		Multipliers: DefaultMultipliers(),
	}
}

// Weight returns the probability shift an event of type t carries in
// context c. Unknown types fall back to the default weight.
func (m *Model) Weight(t model.EventType, c model.EventContext) float64 {
	w := m.base(t)
	mul := m.Multipliers

	switch t {
	case model.EventDragon:
		// Elder replaces the base weight; the stacking bonus applies after.
		if c.IsElder() {
			w = m.Weights.ElderDragon
		}
		if c.DragonCount >= mul.DragonStackCount {
			w *= mul.DragonStack
		}
	case model.EventTeamFight:
		if c.KillDifference >= mul.TeamFightKillDiff {
			w *= mul.TeamFight
		}
	case model.EventGoldLeadChange:
		if math.Abs(float64(c.GoldDifference)) > float64(mul.GoldSwingThreshold) {
			w *= mul.GoldSwing
		}
	case model.EventBaron:
		if c.GameTimeMinutes > mul.LateBaronMinutes {
			w *= mul.LateBaron
		}
	}
	return w
}

func (m *Model) base(t model.EventType) float64 {
	w := m.Weights
	switch t {
	case model.EventFirstBlood:
		return w.FirstBlood
	case model.EventFirstTower:
		return w.FirstTower
	case model.EventDragon:
		return w.Dragon
	case model.EventElderDragon:
		return w.ElderDragon
	case model.EventBaron:
		return w.Baron
	case model.EventInhibitor:
		return w.Inhibitor
	case model.EventTeamFight:
		return w.TeamFight
	case model.EventKillStreak:
		return w.KillStreak
	case model.EventGoldLeadChange:
		return w.GoldLeadChange
	case model.EventRiftHerald:
		return w.RiftHerald
	case model.EventShutdownGold:
		return w.ShutdownGold
	case model.EventChampionPick:
		return w.ChampionPick
	case model.EventAce:
		return w.Ace
	case model.EventBaseRace:
		return w.BaseRace
	case model.EventKill, model.EventTower:
		return w.Default
	}
	return w.Default
}
