package model

import (
	"strings"
	"time"
)

// EventType is the canonical, closed set of in-game events the engine
// understands. Provider payloads are mapped onto it at the feed boundary.
type EventType string

const (
	EventFirstBlood     EventType = "first_blood"
	EventFirstTower     EventType = "first_tower"
	EventDragon         EventType = "dragon"
	EventElderDragon    EventType = "elder_dragon"
	EventBaron          EventType = "baron"
	EventInhibitor      EventType = "inhibitor"
	EventTeamFight      EventType = "team_fight"
	EventKill           EventType = "kill"
	EventKillStreak     EventType = "kill_streak"
	EventTower          EventType = "tower"
	EventGoldLeadChange EventType = "gold_lead_change"
	EventRiftHerald     EventType = "rift_herald"
	EventBaseRace       EventType = "base_race"
	EventShutdownGold   EventType = "shutdown_gold"
	EventChampionPick   EventType = "champion_pick"
	EventAce            EventType = "ace"
)

// EventTypes lists every canonical event type.
var EventTypes = []EventType{
	EventFirstBlood, EventFirstTower, EventDragon, EventElderDragon,
	EventBaron, EventInhibitor, EventTeamFight, EventKill, EventKillStreak,
	EventTower, EventGoldLeadChange, EventRiftHerald, EventBaseRace,
	EventShutdownGold, EventChampionPick, EventAce,
}

// Valid reports whether t is a canonical event type.
func (t EventType) Valid() bool {
	switch t {
	case EventFirstBlood, EventFirstTower, EventDragon, EventElderDragon,
		EventBaron, EventInhibitor, EventTeamFight, EventKill, EventKillStreak,
		EventTower, EventGoldLeadChange, EventRiftHerald, EventBaseRace,
		EventShutdownGold, EventChampionPick, EventAce:
		return true
	}
	return false
}

// EventContext is the normalized payload of an event. Every field has a
// usable zero value, so handlers never probe for missing keys.
type EventContext struct {
	DragonType      string  `json:"dragon_type,omitempty"`  // "elder" or an element
	DragonCount     int     `json:"dragon_count,omitempty"` // team's dragons including this one
	KillDifference  int     `json:"kill_difference,omitempty"`
	GoldDifference  int     `json:"gold_difference,omitempty"` // positive: Team1 ahead
	GameTimeMinutes float64 `json:"game_time_minutes,omitempty"`
	IsStreak        bool    `json:"is_streak,omitempty"`
	ProviderType    string  `json:"provider_type,omitempty"`
}

// IsElder reports whether the context marks the dragon as the elder variant.
func (c EventContext) IsElder() bool {
	return strings.EqualFold(c.DragonType, "elder")
}

// GameEvent is a provider event after boundary normalization: a canonical
// type, the team it favours, and a fully populated context.
type GameEvent struct {
	Type      EventType
	Team      TeamSide
	Timestamp time.Time
	Context   EventContext
}
