package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide frame-forwarding counter.
var Stats = &stats{}

type stats struct {
	Forwarded atomic.Int64 // frames unicast to a single peer link
	Flooded   atomic.Int64 // frames replicated to all connected links
	Injected  atomic.Int64 // frames written into the local device
	Dropped   atomic.Int64 // forwarding misses (no route / link not ready)
	BytesOut  atomic.Int64 // cumulative bytes handed to peer transports
	BytesIn   atomic.Int64 // cumulative bytes received from peer transports
}

func (s *stats) AddForward(n int) { s.Forwarded.Add(1); s.BytesOut.Add(int64(n)) }
func (s *stats) AddFlood(n int)   { s.Flooded.Add(1); s.BytesOut.Add(int64(n)) }
func (s *stats) AddInject(n int)  { s.Injected.Add(1); s.BytesIn.Add(int64(n)) }
func (s *stats) AddDrop()         { s.Dropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs forwarding statistics
// at the given interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevOut, prevIn, prevDrop int64
		secs := interval.Seconds()
		for {
			select {
			case <-ticker.C:
				out := Stats.BytesOut.Load()
				in := Stats.BytesIn.Load()
				drop := Stats.Dropped.Load()

				outS := float64(out-prevOut) / secs
				inS := float64(in-prevIn) / secs
				dropped := drop - prevDrop

				if outS > 10 || inS > 10 || dropped > 0 {
					logger.Info(formatStats(outS, inS, dropped))
				}

				prevOut = out
				prevIn = in
				prevDrop = drop

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(outS, inS float64, dropped int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Dropped: %3d",
		formatBytes(outS),
		formatBytes(inS),
		dropped,
	)
}
