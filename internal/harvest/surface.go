// Package harvest scrapes the Steam most-played chart through a headless
// browser and turns the rendered rows into validated entries.
package harvest

import (
	"context"
	"time"
)

// Browser opens rendering sessions.
type Browser interface {
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}

// SessionOptions configures a rendering session.
type SessionOptions struct {
	UserAgent        string
	ScriptingEnabled bool
}

// Session is one rendered page. Implementations must tolerate Close being
// called after any other method has failed.
type Session interface {
	// Navigate loads url and waits for network idle, bounded by idleTimeout.
	Navigate(ctx context.Context, url string, idleTimeout time.Duration) error
	// CountMatching returns the number of elements matching a CSS selector.
	CountMatching(ctx context.Context, selector string) (int, error)
	// ScrollBy scrolls the page by a number of viewport heights.
	ScrollBy(ctx context.Context, viewports float64) error
	// ExtractAll reads every row matching sel.Row, in document order.
	ExtractAll(ctx context.Context, sel Selectors) ([]RawRow, error)
	Close() error
}

// RawRow is the unparsed text of one chart row.
type RawRow struct {
	Name           string `json:"name"`
	Link           string `json:"link"`
	CurrentPlayers string `json:"current_players"`
	PeakToday      string `json:"peak_today"`
}
