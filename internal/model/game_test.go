package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarvestedEntry_Valid(t *testing.T) {
	tests := []struct {
		name  string
		entry HarvestedEntry
		want  bool
	}{
		{"valid", HarvestedEntry{Name: "Dota 2", SteamAppID: 570}, true},
		{"empty name", HarvestedEntry{Name: "", SteamAppID: 570}, false},
		{"zero app id", HarvestedEntry{Name: "Dota 2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Valid())
		})
	}
}

func TestCatalogMatch_BoxArtURL(t *testing.T) {
	m := CatalogMatch{BoxArtURLTemplate: "https://static-cdn.jtvnw.net/ttv-boxart/32399-{width}x{height}.jpg"}

	assert.Equal(t, "https://static-cdn.jtvnw.net/ttv-boxart/32399-285x380.jpg", m.BoxArtURL(""))
	assert.Equal(t, "https://static-cdn.jtvnw.net/ttv-boxart/32399-52x72.jpg", m.BoxArtURL("52x72"))
}

func TestNewGameUpsert_Matched(t *testing.T) {
	e := HarvestedEntry{Rank: 1, Name: "Counter-Strike 2", SteamAppID: 730, SourceURL: "https://store.steampowered.com/app/730/"}
	m := &CatalogMatch{ID: "32399", Name: "Counter-Strike", BoxArtURLTemplate: "x-{width}x{height}.jpg"}

	u := NewGameUpsert(e, m, "")

	assert.Equal(t, "Counter-Strike 2", u.SteamName)
	assert.Equal(t, int64(730), u.SteamAppID)
	assert.Equal(t, 1, u.RankSteam)
	require.NotNil(t, u.TwitchGameID)
	assert.Equal(t, "32399", *u.TwitchGameID)
	require.NotNil(t, u.TwitchBoxArtURL)
	assert.Equal(t, "x-285x380.jpg", *u.TwitchBoxArtURL)
}

func TestNewGameUpsert_UnmatchedClearsCatalogFields(t *testing.T) {
	u := NewGameUpsert(HarvestedEntry{Rank: 7, Name: "Banana", SteamAppID: 2923300}, nil, "")

	assert.Nil(t, u.TwitchGameID)
	assert.Nil(t, u.TwitchName)
	assert.Nil(t, u.TwitchBoxArtURL)
}

func TestEntryOutcome_Success(t *testing.T) {
	assert.True(t, EntryOutcome{Kind: OutcomeMatched}.Success())
	assert.True(t, EntryOutcome{Kind: OutcomeUnmatched}.Success())
	assert.False(t, EntryOutcome{Kind: OutcomeFailed}.Success())
}
