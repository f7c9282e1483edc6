package skills

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// maintenanceScheduler runs periodic index maintenance (rebuild_index and
// embedding-cache eviction) on a cron schedule. It is optional: a Manager
// with no cron expression configured never constructs one. Parses the
// standard five-field cron syntax via robfig/cron/v3.
type maintenanceScheduler struct {
	cr *cron.Cron
}

// StartMaintenance parses cronExpr (standard five-field syntax) and starts a
// background job that calls RebuildIndex on each tick. It is the host's
// responsibility to call this explicitly — SMC starts no goroutines on its
// own at construction time.
func (m *Manager) StartMaintenance(ctx context.Context, cronExpr string) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return errIOFailure("start_maintenance", cronExpr, err)
	}

	c := cron.New()
	_, err := c.AddFunc(cronExpr, func() {
		log.Info().Msg("maintenance: rebuilding vector index")
		if err := m.RebuildIndex(ctx); err != nil {
			log.Warn().Err(err).Msg("maintenance: rebuild_index failed")
		}
		if ce, ok := m.index.embedder.(*cachingEmbedder); ok {
			if _, err := ce.EvictStale(ctx, 30); err != nil {
				log.Warn().Err(err).Msg("maintenance: embedding cache eviction failed")
			}
		}
	})
	if err != nil {
		return errIOFailure("start_maintenance", cronExpr, err)
	}

	c.Start()
	m.sched = &maintenanceScheduler{cr: c}
	return nil
}

func (s *maintenanceScheduler) stop() {
	if s == nil || s.cr == nil {
		return
	}
	ctx := s.cr.Stop()
	<-ctx.Done()
}
