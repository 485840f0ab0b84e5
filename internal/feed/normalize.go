package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/arb-engine/internal/model"
)

// ErrMalformedEvent marks a provider event that cannot be mapped. Such
// events are skipped without touching any state.
var ErrMalformedEvent = errors.New("feed: malformed event")

// RawEvent is a provider event as received. Field names vary between
// payload versions, so both spellings are accepted where they differ.
type RawEvent struct {
	Type         string    `json:"type"`
	MonsterType  string    `json:"monster_type"`
	BuildingType string    `json:"building_type"`
	Team         string    `json:"team"`
	WinningTeam  string    `json:"winningTeam"`
	Timestamp    Timestamp `json:"timestamp"`

	DragonType      string  `json:"dragon_type"`
	DragonCount     int     `json:"dragon_count"`
	KillDifference  int     `json:"kill_difference"`
	GoldDifference  *int    `json:"gold_difference"`
	GoldDiffAlt     *int    `json:"goldDifference"`
	GameTimeMinutes float64 `json:"game_time_minutes"`
	GameTimeSeconds float64 `json:"ts"`
	IsStreak        bool    `json:"is_streak"`
	IsStreakAlt     bool    `json:"isStreak"`
}

// Timestamp accepts either epoch milliseconds or an RFC 3339 string.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UnixMilli())
}

// Normalize maps a raw provider event onto the canonical event set with a
// fully populated context. team1 and team2 are the match's team names, used
// when the provider attributes events by name.
func Normalize(raw RawEvent, team1, team2 string) (model.GameEvent, error) {
	et, ok := canonicalType(raw)
	if !ok {
		return model.GameEvent{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, raw.Type)
	}
	if raw.Timestamp.IsZero() {
		return model.GameEvent{}, fmt.Errorf("%w: %s event without timestamp", ErrMalformedEvent, et)
	}

	c := model.EventContext{
		DragonType:      raw.DragonType,
		DragonCount:     raw.DragonCount,
		KillDifference:  raw.KillDifference,
		GameTimeMinutes: raw.GameTimeMinutes,
		IsStreak:        raw.IsStreak || raw.IsStreakAlt,
		ProviderType:    raw.Type,
	}
	if c.GameTimeMinutes == 0 && raw.GameTimeSeconds > 0 {
		c.GameTimeMinutes = raw.GameTimeSeconds / 60
	}
	switch {
	case raw.GoldDifference != nil:
		c.GoldDifference = *raw.GoldDifference
	case raw.GoldDiffAlt != nil:
		c.GoldDifference = *raw.GoldDiffAlt
	}

	ev := model.GameEvent{Type: et, Timestamp: raw.Timestamp.Time, Context: c}

	if et == model.EventGoldLeadChange {
		// Attribution follows the sign of the differential.
		ev.Team = model.Team1
		if c.GoldDifference < 0 {
			ev.Team = model.Team2
		}
		return ev, nil
	}

	name := raw.Team
	if et == model.EventTeamFight && raw.WinningTeam != "" {
		name = raw.WinningTeam
	}
	team, ok := resolveTeam(name, team1, team2)
	if !ok {
		return model.GameEvent{}, fmt.Errorf("%w: %s event with unknown team %q", ErrMalformedEvent, et, name)
	}
	ev.Team = team
	return ev, nil
}

func canonicalType(raw RawEvent) (model.EventType, bool) {
	t := strings.ToLower(strings.TrimSpace(raw.Type))
	switch t {
	case "kill", "champion_kill":
		return model.EventKill, true
	case "building_destroy":
		if strings.Contains(strings.ToLower(raw.BuildingType), "inhibitor") {
			return model.EventInhibitor, true
		}
		return model.EventTower, true
	case "monster_kill":
		switch strings.ToLower(raw.MonsterType) {
		case "dragon", "drake":
			return model.EventDragon, true
		case "elder_dragon", "elder":
			return model.EventElderDragon, true
		case "baron", "baron_nashor":
			return model.EventBaron, true
		case "rift_herald", "herald":
			return model.EventRiftHerald, true
		}
		return "", false
	case "inhibitor_destroy":
		return model.EventInhibitor, true
	case "gold_lead":
		return model.EventGoldLeadChange, true
	case "team_fight_win":
		return model.EventTeamFight, true
	}
	if et := model.EventType(t); et.Valid() {
		return et, true
	}
	return "", false
}

func resolveTeam(name, team1, team2 string) (model.TeamSide, bool) {
	n := strings.TrimSpace(name)
	switch {
	case n == "":
		return "", false
	case strings.EqualFold(n, string(model.Team1)):
		return model.Team1, true
	case strings.EqualFold(n, string(model.Team2)):
		return model.Team2, true
	case team1 != "" && strings.EqualFold(n, team1):
		return model.Team1, true
	case team2 != "" && strings.EqualFold(n, team2):
		return model.Team2, true
	}
	return "", false
}
