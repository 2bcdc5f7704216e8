package model

import (
	"strings"
	"time"
)

// DefaultBoxArtSize is the artwork size substituted into Twitch box art templates.
const DefaultBoxArtSize = "285x380"

// HarvestedEntry is one row of the Steam most-played chart as rendered
// during a single harvest. Entries are never persisted directly.
type HarvestedEntry struct {
	Rank           int    `json:"rank"`
	Name           string `json:"name"`
	CurrentPlayers int64  `json:"current_players"`
	PeakToday      int64  `json:"peak_today"`
	SourceURL      string `json:"source_url"`
	SteamAppID     int64  `json:"steam_appid"`
}

// Valid reports whether the entry carries the minimum identity needed to sync.
func (e HarvestedEntry) Valid() bool {
	return e.SteamAppID != 0 && e.Name != ""
}

// NaturalKey returns the stable identity used to upsert the entry's game.
func (e HarvestedEntry) NaturalKey() string {
	return e.Name
}

// CatalogMatch is the Twitch category reconciled to a harvested game.
type CatalogMatch struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	BoxArtURLTemplate string  `json:"box_art_url"`
	Score             float64 `json:"score"`
}

// BoxArtURL renders the artwork template at the given size ("WxH").
func (m CatalogMatch) BoxArtURL(size string) string {
	if size == "" {
		size = DefaultBoxArtSize
	}
	return strings.Replace(m.BoxArtURLTemplate, "{width}x{height}", size, 1)
}

// Game is the persistent identity of a chart entry, keyed by SteamName.
type Game struct {
	ID              int64     `json:"id"`
	SteamName       string    `json:"steam_name"`
	SteamAppID      int64     `json:"steam_appid"`
	RankSteam       int       `json:"rank_steam"`
	SteamShopURL    string    `json:"steam_shop_url"`
	TwitchGameID    *string   `json:"twitch_game_id,omitempty"`
	TwitchName      *string   `json:"twitch_name,omitempty"`
	TwitchBoxArtURL *string   `json:"twitch_box_art_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GameUpsert carries the mutable fields written on every sighting of a game.
// Nil catalog fields are written as NULL, clearing a previous match.
type GameUpsert struct {
	SteamName       string
	SteamAppID      int64
	RankSteam       int
	SteamShopURL    string
	TwitchGameID    *string
	TwitchName      *string
	TwitchBoxArtURL *string
}

// NewGameUpsert builds the upsert for a harvested entry and its optional match.
func NewGameUpsert(e HarvestedEntry, m *CatalogMatch, boxArtSize string) GameUpsert {
	u := GameUpsert{
		SteamName:    e.NaturalKey(),
		SteamAppID:   e.SteamAppID,
		RankSteam:    e.Rank,
		SteamShopURL: e.SourceURL,
	}
	if m != nil {
		id, name, art := m.ID, m.Name, m.BoxArtURL(boxArtSize)
		u.TwitchGameID = &id
		u.TwitchName = &name
		u.TwitchBoxArtURL = &art
	}
	return u
}

// Snapshot is one append-only row of the hourly metrics time series.
type Snapshot struct {
	ID             int64     `json:"id"`
	GameID         int64     `json:"game_id"`
	CurrentPlayers int64     `json:"current_players"`
	PeakToday      int64     `json:"peak_today"`
	Rank           *int      `json:"rank,omitempty"`
	TwitchViewers  *int64    `json:"twitch_viewers,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// GameWithLatest pairs a game with its most recent snapshot, if any.
type GameWithLatest struct {
	Game
	Latest *Snapshot `json:"latest,omitempty"`
}
