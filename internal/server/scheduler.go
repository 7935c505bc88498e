package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/answerdesk/answerdesk/internal/cache"
)

// Scheduler runs periodic cache maintenance. When several replicas share a
// Redis, a SetNX lock makes sure only one of them sweeps per window.
type Scheduler struct {
	Cache    *cache.Cache
	CronSpec string
	Stop     chan struct{}
	Rdb      *redis.Client
	Logger   *log.Logger

	lastRun time.Time
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	if !s.due() {
		return
	}
	ctx := context.Background()
	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, "maintenance:lock:sweep", "1", 2*time.Minute).Result()
		if !ok {
			s.lastRun = time.Now()
			return
		}
		defer s.Rdb.Del(ctx, "maintenance:lock:sweep")
	}

	removed := s.Cache.SweepExpired()
	stats := s.Cache.Stats()
	s.Logger.Printf("cache sweep removed %d entries (hits=%d misses=%d hit_rate=%.2f errors=%d)",
		removed, stats.Hits, stats.Misses, stats.HitRate, stats.Errors)
	s.lastRun = time.Now()
}

// due evaluates the cron spec against the last run time. An invalid spec
// degrades to hourly.
func (s *Scheduler) due() bool {
	now := time.Now()
	if s.lastRun.IsZero() {
		return true
	}
	expr, err := cronexpr.Parse(s.CronSpec)
	if err != nil {
		return now.Sub(s.lastRun) >= time.Hour
	}
	return !expr.Next(s.lastRun).After(now)
}
