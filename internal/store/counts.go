package store

import (
	"github.com/iconidentify/genqueue/internal/domain"
)

// computeCounts derives a bulk job's item counters from its video jobs.
// A job canceled before any dispatch attempt counts as skipped; one
// canceled mid-flight counts as canceled. Conservation holds by
// construction: total equals the sum of outcomes plus pending.
func computeCounts(videos []*domain.VideoJob) domain.ItemCounts {
	c := domain.ItemCounts{Total: len(videos)}
	for _, v := range videos {
		switch v.State {
		case domain.VideoJobCompleted:
			c.Completed++
		case domain.VideoJobFailed:
			c.Failed++
		case domain.VideoJobCanceled:
			if v.DispatchedAt == nil && v.RetryCount == 0 {
				c.Skipped++
			} else {
				c.Canceled++
			}
		}
	}
	return c
}
