package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/castlebay/blkmirror/internal/event"
	"github.com/castlebay/blkmirror/internal/stats"
)

const (
	progressBarWidth = 20
	redrawInterval   = 100 * time.Millisecond
)

// livePresenter renders a single status line that redraws in place on a
// TTY, with phase changes printed as scrolling feed lines above it.
type livePresenter struct {
	w     io.Writer
	stats *stats.Collector

	phase     string
	lineDrawn bool
}

func (p *livePresenter) Run(events <-chan event.Event) error {
	p.phase = "starting"

	// Fire the first tick quickly to seed the ring buffer with initial
	// speed data, then switch to 1s interval.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	firstTickDone := false

	redraw := time.NewTicker(redrawInterval)
	defer redraw.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearLine()
				return nil
			}
			p.handleEvent(ev)

		case <-redraw.C:
			p.drawLine()

		case <-secTicker.C:
			p.stats.Tick()
			if !firstTickDone {
				firstTickDone = true
				secTicker.Reset(1 * time.Second)
			}
		}
	}
}

func (p *livePresenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.ScanStarted:
		p.phase = "scanning"
	case event.ScanComplete:
		p.phase = "copying"
		p.feed(styleMuted.Render(fmt.Sprintf("scan complete: %s to copy", FormatBytes(ev.Bytes))))
	case event.SyncReached:
		p.phase = "synced"
		p.feed(styleDone.Render("✓ synced") + styleMuted.Render("  source and target have converged"))
	case event.DrainStarted:
		p.phase = "draining"
	case event.DrainComplete:
		p.phase = "synced"
	case event.JobCompleted:
		p.phase = "completed"
	case event.JobCancelled:
		p.phase = "cancelled"
	case event.JobFailed:
		p.phase = "failed"
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		p.feed(styleFailed.Render("✗ " + errMsg))
	}
}

// feed prints a scrolling line above the status line.
func (p *livePresenter) feed(line string) {
	p.clearLine()
	fmt.Fprintln(p.w, line)
	p.drawLine()
}

func (p *livePresenter) drawLine() {
	snap := p.stats.Snapshot()

	var bar string
	pct := 0.0
	if snap.Total > 0 {
		pct = float64(snap.Offset) / float64(snap.Total)
	}
	filled := int(pct * progressBarWidth)
	if filled > progressBarWidth {
		filled = progressBarWidth
	}
	bar = styleProgressFilled.Render(strings.Repeat("▪", filled)) +
		styleProgressEmpty.Render(strings.Repeat("□", progressBarWidth-filled))

	parts := []string{
		stylePhase.Render(p.phase),
		bar,
		styleBytes.Render(fmt.Sprintf("%3.0f%%", pct*100)),
		styleBytes.Render(FormatBytes(snap.Offset) + "/" + FormatBytes(snap.Total)),
		styleSpeed.Render(FormatRate(p.stats.RollingSpeed(10))),
		styleDirty.Render("dirty " + FormatBytes(snap.DirtyBytes)),
		styleMuted.Render("eta " + FormatETA(p.stats.ETA())),
	}

	fmt.Fprintf(p.w, "\r\033[K%s", strings.Join(parts, "  "))
	p.lineDrawn = true
}

func (p *livePresenter) clearLine() {
	if !p.lineDrawn {
		return
	}
	fmt.Fprint(p.w, "\r\033[K")
	p.lineDrawn = false
}

func (p *livePresenter) Summary() string {
	return completionSummary(p.stats.Snapshot())
}
