package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs fn every interval until the returned cancel func is called.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (cancel func())
}

// CronScheduler keeps one cron entry per poller. Each fire runs in its own
// goroutine, so a slow poll never delays the next tick.
type CronScheduler struct {
	cron *cron.Cron
}

func NewCronScheduler() *CronScheduler {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{})))
	c.Start()
	return &CronScheduler{cron: c}
}

// Every fires fn at creation+interval, creation+2*interval and so on. A
// non-positive interval schedules nothing.
func (s *CronScheduler) Every(interval time.Duration, fn func()) func() {
	if interval <= 0 {
		return func() {}
	}
	id := s.cron.Schedule(fixedRate{origin: time.Now(), every: interval}, cron.FuncJob(fn))
	return func() { s.cron.Remove(id) }
}

// fixedRate is a cron.Schedule anchored at origin. Unlike cron.Every it keeps
// sub-second intervals and never rounds the next time down.
type fixedRate struct {
	origin time.Time
	every  time.Duration
}

func (r fixedRate) Next(t time.Time) time.Time {
	first := r.origin.Add(r.every)
	if t.Before(first) {
		return first
	}
	k := t.Sub(first)/r.every + 1
	return first.Add(k * r.every)
}

// Stop halts the cron loop and returns a context done once running jobs finish.
func (s *CronScheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *CronScheduler) Entries() int {
	return len(s.cron.Entries())
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
