// Package feed is the live-match data adapter. It fetches running matches,
// match status and per-game events from the PandaScore REST API, and
// normalizes provider events into model.GameEvent at the boundary.
package feed

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/arb-engine/internal/rest"
)

const DefaultBaseURL = "https://api.pandascore.co"

// Placeholder team names used when the provider omits an opponent.
const (
	PlaceholderTeam1 = "Team 1"
	PlaceholderTeam2 = "Team 2"
)

// LiveMatch is a running match as listed by the provider.
type LiveMatch struct {
	ID          int64      `json:"id"`
	Slug        string     `json:"slug"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Opponents   []Opponent `json:"opponents"`
	Games       []Game     `json:"games"`
}

// Opponent wraps one side of a match.
type Opponent struct {
	Opponent struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"opponent"`
}

// Game is one map of a series.
type Game struct {
	ID       int64  `json:"id"`
	Position int    `json:"position"`
	Status   string `json:"status"`
}

// MatchID returns the provider id as a string key.
func (m LiveMatch) MatchID() string { return strconv.FormatInt(m.ID, 10) }

// TeamNames returns both team names, substituting placeholders for
// missing opponents.
func (m LiveMatch) TeamNames() (string, string) {
	names := [2]string{PlaceholderTeam1, PlaceholderTeam2}
	for i := 0; i < len(m.Opponents) && i < 2; i++ {
		if n := strings.TrimSpace(m.Opponents[i].Opponent.Name); n != "" {
			names[i] = n
		}
	}
	return names[0], names[1]
}

// RunningGameID returns the id of the game currently in progress.
func (m LiveMatch) RunningGameID() (string, bool) {
	for _, g := range m.Games {
		if strings.EqualFold(g.Status, "running") {
			return strconv.FormatInt(g.ID, 10), true
		}
	}
	return "", false
}

// Config configures the PandaScore client.
type Config struct {
	BaseURL   string
	APIKey    string
	RateLimit float64 // requests per second
	Timeout   time.Duration
	// StatusRetryStep is the linear backoff step between match status attempts.
	StatusRetryStep time.Duration
}

// PandaScore is the provider client.
type PandaScore struct {
	rest       *rest.Client
	statusStep time.Duration
}

// NewPandaScore creates a provider client.
func NewPandaScore(cfg Config) *PandaScore {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.StatusRetryStep <= 0 {
		cfg.StatusRetryStep = 500 * time.Millisecond
	}
	return &PandaScore{
		rest:       rest.New("pandascore", cfg.BaseURL, cfg.RateLimit, 5, cfg.Timeout).WithBearer(cfg.APIKey),
		statusStep: cfg.StatusRetryStep,
	}
}

// LiveMatches lists the League of Legends matches currently running.
func (p *PandaScore) LiveMatches(ctx context.Context) ([]LiveMatch, error) {
	var matches []LiveMatch
	if err := p.rest.Get(ctx, "/lol/matches/running", nil, rest.Once, &matches); err != nil {
		return nil, fmt.Errorf("feed: live matches: %w", err)
	}
	return matches, nil
}

// MatchStatus returns the provider status of a match ("running",
// "finished", ...). Two attempts with linear backoff.
func (p *PandaScore) MatchStatus(ctx context.Context, matchID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := p.rest.Get(ctx, "/matches/"+url.PathEscape(matchID), nil, rest.Linear(2, p.statusStep), &resp)
	if err != nil {
		return "", fmt.Errorf("feed: match %s status: %w", matchID, err)
	}
	return resp.Status, nil
}

// Events returns the raw event list of a game.
func (p *PandaScore) Events(ctx context.Context, gameID string) ([]RawEvent, error) {
	var events []RawEvent
	if err := p.rest.Get(ctx, "/lol/games/"+url.PathEscape(gameID)+"/events", nil, rest.Once, &events); err != nil {
		return nil, fmt.Errorf("feed: game %s events: %w", gameID, err)
	}
	return events, nil
}

// IsFinished reports whether a provider status means the match is over.
func IsFinished(status string) bool {
	switch strings.ToLower(status) {
	case "finished", "canceled", "cancelled":
		return true
	}
	return false
}
