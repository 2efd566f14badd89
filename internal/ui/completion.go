package ui

import (
	"fmt"

	"github.com/castlebay/blkmirror/internal/stats"
)

// completionSummary builds a final summary line from a snapshot.
// Format: done ✓  copied 2.1 GiB  chunks 2,048  rewrites 12  avg 641 MB/s  time 3m 17s
func completionSummary(snap stats.Snapshot) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesCopied) / snap.Elapsed.Seconds()
	}

	base := fmt.Sprintf("done ✓  copied %s  chunks %s  avg %s  time %s",
		FormatBytes(snap.BytesCopied),
		FormatCount(snap.ChunksCopied),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
	)

	if snap.Rewrites > 0 {
		base += fmt.Sprintf("  rewrites %s", FormatCount(snap.Rewrites))
	}

	return base
}
