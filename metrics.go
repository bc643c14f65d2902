package main

import (
	"context"
	"log"
	"time"

	"mucd/internal/muc"
)

// RunMetrics logs service stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, svc *muc.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := svc.Stats()
			if st.Occupants > 0 || st.Joins > 0 || st.Messages > 0 {
				log.Printf("[metrics] rooms=%d occupants=%d joins=%d leaves=%d messages=%d replicated_out=%d replicated_in=%d",
					st.Rooms, st.Occupants, st.Joins, st.Leaves,
					st.Messages, st.EventsPublished, st.EventsApplied)
			}
		}
	}
}
