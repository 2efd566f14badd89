package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/castlebay/blkmirror/internal/event"
	"github.com/castlebay/blkmirror/internal/stats"
)

// plainPresenter outputs one line per phase change to stdout, and periodic
// progress to stderr when not a TTY.
type plainPresenter struct {
	w     io.Writer
	errW  io.Writer
	stats *stats.Collector
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	tick := time.NewTicker(1 * time.Second)
	defer tick.Stop()
	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-tick.C:
			p.stats.Tick()
		case <-progress.C:
			p.printProgress()
		}
	}
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.JobStarted:
		fmt.Fprintf(p.w, "mirroring %s\n", FormatBytes(ev.Total))
	case event.ScanComplete:
		fmt.Fprintf(p.w, "scan complete: %s to copy\n", FormatBytes(ev.Bytes))
	case event.SyncReached:
		fmt.Fprintln(p.w, "synced: source and target have converged")
	case event.DrainStarted:
		fmt.Fprintln(p.w, "draining in-flight writes...")
	case event.JobCompleted:
		fmt.Fprintf(p.w, "completed: %s copied\n", FormatBytes(ev.Bytes))
	case event.JobCancelled:
		fmt.Fprintf(p.w, "cancelled: %s copied\n", FormatBytes(ev.Bytes))
	case event.JobFailed:
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "failed: %s\n", errMsg)
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	if snap.Total > 0 {
		pct := float64(snap.Offset) / float64(snap.Total) * 100
		speed := p.stats.RollingSpeed(10)
		eta := p.stats.ETA()
		fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s dirty %s %s eta %s\n",
			pct,
			FormatBytes(snap.Offset), FormatBytes(snap.Total),
			FormatBytes(snap.DirtyBytes),
			FormatRate(speed),
			FormatETA(eta),
		)
	} else {
		fmt.Fprintf(p.errW, "progress: %s copied\n", FormatBytes(snap.BytesCopied))
	}
}

func (p *plainPresenter) Summary() string {
	return completionSummary(p.stats.Snapshot())
}
