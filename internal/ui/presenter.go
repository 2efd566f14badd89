// Package ui renders mirror job progress: a live status line on a TTY, a
// periodic progress log otherwise, or nothing in quiet mode.
package ui

import (
	"io"

	"github.com/castlebay/blkmirror/internal/event"
	"github.com/castlebay/blkmirror/internal/stats"
)

// Presenter consumes engine events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer     io.Writer
	ErrWriter  io.Writer
	Stats      *stats.Collector
	IsTTY      bool
	Quiet      bool
	NoProgress bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory function returns interface by design
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{stats: cfg.Stats}
	}
	if !cfg.IsTTY || cfg.NoProgress {
		return &plainPresenter{
			w:     cfg.Writer,
			errW:  cfg.ErrWriter,
			stats: cfg.Stats,
		}
	}
	// The live line renders to stderr (the TTY).
	return &livePresenter{
		w:     cfg.ErrWriter,
		stats: cfg.Stats,
	}
}
