package stats

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Reporter periodically logs registry snapshots.
type Reporter struct {
	Registry Registry
	Interval time.Duration
	Logger   *slog.Logger
}

// Run logs a report every Interval until ctx is canceled, then logs a final
// report. It never blocks sessions: it only reads snapshots.
func (r *Reporter) Run(ctx context.Context) error {
	if r.Interval <= 0 {
		<-ctx.Done()
		r.Report()
		return nil
	}

	t := time.NewTicker(r.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Report()
			return nil
		case <-t.C:
			r.Report()
		}
	}
}

// Report logs one line per identity followed by the totals.
func (r *Reporter) Report() {
	log := r.Logger
	if log == nil {
		return
	}

	snap := r.Registry.Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := snap[id]
		log.Info("identity stats",
			"identity", id,
			"active", s.ActiveConnections,
			"requests", s.TotalRequests,
			"uploaded_mb", megabytes(s.BytesUploaded),
			"downloaded_mb", megabytes(s.BytesDownloaded),
			"last_access", s.LastAccess,
		)
	}

	t := Totals(snap)
	log.Info("stats",
		"identities", len(snap),
		"active", t.ActiveConnections,
		"requests", t.TotalRequests,
		"uploaded_mb", megabytes(t.BytesUploaded),
		"downloaded_mb", megabytes(t.BytesDownloaded),
	)
}

func megabytes(n int64) float64 {
	return float64(n*100/(1024*1024)) / 100
}
