package service

import (
	"context"

	"github.com/robfig/cron/v3"
)

// ScheduleMaintenance registers a periodic cache statistics sweep on c.
// The sweep only observes and logs; nothing is evicted.
func (s *Service) ScheduleMaintenance(c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		health := s.Health(context.Background())
		s.logger.Info().
			Int64("items_in_cache", health.ItemsInCache).
			Uint64("requests_processed", health.RequestsProcessed).
			Int("active_jobs", health.ActiveJobs).
			Msg("cache statistics")
	})
	return err
}
