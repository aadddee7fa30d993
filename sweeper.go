package cachezone

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/cachezone/cache"
)

const defaultSweepInterval = 10 * time.Second

// Sweeper reclaims zone space: entries not accessed within the inactivity
// timeout go first, then the least recently accessed until the zone is
// back under its quota.
type Sweeper struct {
	Zone *cache.Zone
	// Interval between sweeps. Defaults to 10 seconds.
	Interval time.Duration
	// Metrics to record evictions to, optional.
	Metrics *Metrics
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// SweepResult tells what one sweep removed.
type SweepResult struct {
	Inactive int `json:"inactive"`
	Quota    int `json:"quota"`
	Errors   int `json:"errors"`
	// SizeBytes is the zone size after the sweep.
	SizeBytes int64 `json:"sizeBytes"`
}

func (s *Sweeper) logger() zerolog.Logger {
	if s.Logger == nil {
		return log.Logger
	}
	return *s.Logger
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	logger := s.logger()
	logger.Info().Msgf("Starting sweep loop with interval %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res := s.Sweep()
			if res.Inactive+res.Quota+res.Errors > 0 {
				logger.Debug().
					Int("inactive", res.Inactive).
					Int("quota", res.Quota).
					Int("errors", res.Errors).
					Int64("size", res.SizeBytes).
					Msg("Swept zone")
			} else {
				logger.Trace().Msg("Nothing to sweep")
			}
		}
	}
}

// Sweep runs both reclamation rules once. Each removal locks a single key,
// and only removes the entry if it was neither replaced nor read since it
// was looked at.
func (s *Sweeper) Sweep() SweepResult {
	logger := s.logger()
	var res SweepResult
	now := s.Zone.Now()
	inactive := s.Zone.InactiveTimeout()

	var survivors []cache.EntryInfo
	for info := range s.Zone.All() {
		if inactive > 0 && now.Sub(info.LastAccessedAt) > inactive {
			if removed, err := s.remove(info, "inactive", logger); err != nil {
				res.Errors++
			} else if removed {
				res.Inactive++
			}
			continue
		}
		survivors = append(survivors, info)
	}

	quota := s.Zone.MaxSizeBytes()
	if quota > 0 && s.Zone.Size() > quota {
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].LastAccessedAt.Before(survivors[j].LastAccessedAt)
		})
		for _, info := range survivors {
			if s.Zone.Size() <= quota {
				break
			}
			if removed, err := s.remove(info, "quota", logger); err != nil {
				res.Errors++
			} else if removed {
				res.Quota++
			}
		}
	}

	res.SizeBytes = s.Zone.Size()
	return res
}

// remove evicts the entry unless it changed since the scan.
func (s *Sweeper) remove(info cache.EntryInfo, reason string, logger zerolog.Logger) (bool, error) {
	removed, err := s.Zone.RemoveIf(info)
	if err != nil {
		logger.Error().Err(err).Str("key", info.Key.String()).Msg("Could not evict entry")
		if s.Metrics != nil {
			s.Metrics.StorageErrors.WithLabelValues("delete").Inc()
		}
		return removed, err
	}
	if removed && s.Metrics != nil {
		s.Metrics.Evictions.WithLabelValues(reason).Inc()
	}
	return removed, nil
}
