package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Per-peer counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats holds the traffic counters of a single peer. Each peer owns its own
// instance; there is no process-wide singleton.
type Stats struct {
	BytesSent    atomic.Int64 // bytes handed to the transport
	BytesRecv    atomic.Int64 // bytes read from the transport
	MsgsSent     atomic.Int64
	MsgsRecv     atomic.Int64
	MsgsDropped  atomic.Int64 // inbound messages discarded by the overflow policy
	SendRejected atomic.Int64 // Send calls refused with a full buffer
}

func (s *Stats) AddSent(n int) {
	s.BytesSent.Add(int64(n))
	s.MsgsSent.Add(1)
}

func (s *Stats) AddRecv(n int) {
	s.BytesRecv.Add(int64(n))
	s.MsgsRecv.Add(1)
}

func (s *Stats) AddDropped()  { s.MsgsDropped.Add(1) }
func (s *Stats) AddRejected() { s.SendRejected.Add(1) }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	BytesSent    int64
	BytesRecv    int64
	MsgsSent     int64
	MsgsRecv     int64
	MsgsDropped  int64
	SendRejected int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BytesSent:    s.BytesSent.Load(),
		BytesRecv:    s.BytesRecv.Load(),
		MsgsSent:     s.MsgsSent.Load(),
		MsgsRecv:     s.MsgsRecv.Load(),
		MsgsDropped:  s.MsgsDropped.Load(),
		SendRejected: s.SendRejected.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs throughput of stats
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, stats func() Snapshot, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := stats()

				outS := float64(cur.BytesSent-prev.BytesSent) / secs
				inS := float64(cur.BytesRecv-prev.BytesRecv) / secs
				inM := cur.MsgsRecv - prev.MsgsRecv
				outM := cur.MsgsSent - prev.MsgsSent
				dropped := cur.MsgsDropped - prev.MsgsDropped

				if inM > 0 || outM > 0 || dropped > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inM, outM, dropped))
				}

				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inM, outM, dropped int64) string {
	line := fmt.Sprintf("In: %s/s | Out: %s/s | Msg: %4d↓ %4d↑",
		FormatBytes(inS),
		FormatBytes(outS),
		inM,
		outM,
	)
	if dropped > 0 {
		line += fmt.Sprintf(" | Dropped: %d", dropped)
	}
	return line
}
