// Package trigger applies normalized game events to match state: it keeps
// the running counters current, appends significant events to the log and
// returns the probability impact each event carries.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/arb-engine/internal/impact"
	"github.com/atmx/arb-engine/internal/model"
)

// MinorImpact is returned for routine kills and small gold swings that are
// not worth recording in the event log.
const MinorImpact = 0.001

// ErrUnhandledEvent is returned for canonical event types that have no
// handler. Nothing is written for them.
var ErrUnhandledEvent = errors.New("trigger: unhandled event type")

// Store is the slice of persistence the dispatcher writes to.
type Store interface {
	UpdateMatch(ctx context.Context, id string, fn func(m *model.Match) error) (*model.Match, error)
	InsertEvent(ctx context.Context, e *model.Event) error
}

// Dispatcher routes each event type to its handler.
type Dispatcher struct {
	store Store
	model *impact.Model

	// GoldSwingThreshold is the absolute gold difference above which a gold
	// lead change is recorded as an event.
	GoldSwingThreshold int

	now func() time.Time
}

// NewDispatcher creates a dispatcher writing to s and weighting with m.
func NewDispatcher(s Store, m *impact.Model) *Dispatcher {
	return &Dispatcher{
		store:              s,
		model:              m,
		GoldSwingThreshold: 2000,
		now:                time.Now,
	}
}

// WithClock replaces the dispatcher's time source. Used by tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Process applies ev to the match and returns its probability impact.
func (d *Dispatcher) Process(ctx context.Context, matchID string, ev model.GameEvent) (float64, error) {
	switch ev.Type {
	case model.EventFirstBlood, model.EventFirstTower, model.EventTeamFight, model.EventRiftHerald:
		return d.record(ctx, matchID, ev.Type, ev.Team, ev.Context)

	case model.EventDragon, model.EventElderDragon:
		return d.handleDragon(ctx, matchID, ev)

	case model.EventBaron:
		if err := d.bump(ctx, matchID, func(m *model.Match) { m.Barons.Inc(ev.Team) }); err != nil {
			return 0, err
		}
		return d.record(ctx, matchID, ev.Type, ev.Team, ev.Context)

	case model.EventInhibitor:
		if err := d.bump(ctx, matchID, func(m *model.Match) { m.Inhibitors.Inc(ev.Team) }); err != nil {
			return 0, err
		}
		return d.record(ctx, matchID, ev.Type, ev.Team, ev.Context)

	case model.EventTower:
		if err := d.bump(ctx, matchID, func(m *model.Match) { m.Towers.Inc(ev.Team) }); err != nil {
			return 0, err
		}
		return d.record(ctx, matchID, ev.Type, ev.Team, ev.Context)

	case model.EventKill:
		return d.handleKill(ctx, matchID, ev)

	case model.EventGoldLeadChange:
		return d.handleGoldLead(ctx, matchID, ev)

	case model.EventKillStreak, model.EventBaseRace, model.EventShutdownGold,
		model.EventChampionPick, model.EventAce:
		return 0, fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.Type)
	}
	return 0, fmt.Errorf("%w: %q", ErrUnhandledEvent, ev.Type)
}

func (d *Dispatcher) handleDragon(ctx context.Context, matchID string, ev model.GameEvent) (float64, error) {
	var held int
	if err := d.bump(ctx, matchID, func(m *model.Match) { held = m.Dragons.Inc(ev.Team) }); err != nil {
		return 0, err
	}
	c := ev.Context
	if c.DragonCount == 0 {
		c.DragonCount = held
	}
	return d.record(ctx, matchID, ev.Type, ev.Team, c)
}

func (d *Dispatcher) handleKill(ctx context.Context, matchID string, ev model.GameEvent) (float64, error) {
	if err := d.bump(ctx, matchID, func(m *model.Match) { m.Kills.Inc(ev.Team) }); err != nil {
		return 0, err
	}
	if !ev.Context.IsStreak {
		return MinorImpact, nil
	}
	return d.record(ctx, matchID, model.EventKillStreak, ev.Team, ev.Context)
}

// handleGoldLead always stores the new differential. Only a swing past the
// threshold becomes an event, attributed to whichever team is ahead.
func (d *Dispatcher) handleGoldLead(ctx context.Context, matchID string, ev model.GameEvent) (float64, error) {
	diff := ev.Context.GoldDifference
	if err := d.bump(ctx, matchID, func(m *model.Match) { m.GoldDiff = diff }); err != nil {
		return 0, err
	}
	if abs(diff) <= d.GoldSwingThreshold {
		return MinorImpact, nil
	}
	team := model.Team1
	if diff < 0 {
		team = model.Team2
	}
	return d.record(ctx, matchID, ev.Type, team, ev.Context)
}

// bump applies a counter mutation to the match record.
func (d *Dispatcher) bump(ctx context.Context, matchID string, fn func(m *model.Match)) error {
	_, err := d.store.UpdateMatch(ctx, matchID, func(m *model.Match) error {
		fn(m)
		m.LastUpdated = d.now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("trigger: update match %s: %w", matchID, err)
	}
	return nil
}

// record weights the event and appends it to the match's log.
func (d *Dispatcher) record(ctx context.Context, matchID string, t model.EventType, team model.TeamSide, c model.EventContext) (float64, error) {
	w := d.model.Weight(t, c)
	e := &model.Event{
		ID:        uuid.New().String(),
		MatchID:   matchID,
		Type:      t,
		Team:      team,
		Context:   c,
		Timestamp: d.now().UTC(),
		Impact:    w,
	}
	if err := d.store.InsertEvent(ctx, e); err != nil {
		return 0, fmt.Errorf("trigger: insert %s event: %w", t, err)
	}
	return w, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
