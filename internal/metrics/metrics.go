// Package metrics periodically logs a snapshot of server load: connected
// users and pending pairing requests, only when either is nonzero. The
// per-user dispatcher backlog is not logged; Sources.Dispatch is not read.
// Grounded on the teacher's RunMetrics (metrics.go), generalized from a
// single Room's datagram/byte counters to Clawline's session/dispatcher
// shape and from log.Printf to structured slog.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"clawline/internal/dispatcher"
	"clawline/internal/pairing"
	"clawline/internal/session"
)

// Sources bundles the collaborators the ticker reads counters from.
type Sources struct {
	Registry *session.Registry
	Pairing  *pairing.Manager
	Dispatch *dispatcher.UserDispatcher
}

// Run logs a snapshot every interval until ctx is cancelled.
func Run(ctx context.Context, src Sources, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users := src.Registry.ConnectedUserCount()
			pending := len(src.Pairing.Pending())
			if users > 0 || pending > 0 {
				slog.Info("server snapshot", "connected_users", users, "pending_pairing_requests", pending)
			}
		}
	}
}
