package scheduler

import (
	"context"
	"time"

	"gptbot/internal/logger"
)

// AlignedScheduler fires a task shortly after every candle close: at
// k*AlignInterval + Offset, repeating every Interval from the first firing.
type AlignedScheduler struct {
	Name           string
	AlignInterval  time.Duration
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, alignInterval, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		AlignInterval: alignInterval,
		Interval:      interval,
		Offset:        offset,
		ctx:           ctx,
		nowFn:         time.Now,
	}
}

// Start blocks until the context is cancelled. task receives the candle close
// time that triggered it.
func (s *AlignedScheduler) Start(task func(closedAt time.Time)) {
	if s == nil || task == nil {
		return
	}
	prefix := "scheduler"
	if s.Name != "" {
		prefix = prefix + "[" + s.Name + "]"
	}
	if s.AlignInterval <= 0 || s.Interval <= 0 {
		logger.Warnf("%s: invalid align_interval=%s interval=%s, exit", prefix, s.AlignInterval, s.Interval)
		return
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("%s: started align_interval=%s interval=%s offset=%s run_immediately=%v",
		prefix, s.AlignInterval, s.Interval, s.Offset, s.RunImmediately)

	if s.RunImmediately {
		task(startAt.Truncate(s.AlignInterval))
	}

	nextClose := startAt.Truncate(s.AlignInterval).Add(s.AlignInterval)
	firstAt := nextClose.Add(s.Offset)
	logger.Infof("%s: next candle close=%s first run=%s (in %s)",
		prefix, nextClose.Format(time.RFC3339), firstAt.Format(time.RFC3339),
		firstAt.Sub(startAt).Truncate(time.Second))

	if !s.waitUntil(firstAt) {
		return
	}
	task(nextClose)

	anchor := firstAt
	for {
		nextAt := nextFixedTimeAfter(anchor, s.Interval, s.nowFn().UTC())
		logger.Debugf("%s: next run=%s uptime=%s", prefix, nextAt.Format(time.RFC3339),
			s.nowFn().UTC().Sub(startAt).Truncate(time.Second))
		if !s.waitUntil(nextAt) {
			return
		}
		task(nextAt.Add(-s.Offset).Truncate(s.AlignInterval))
	}
}

func (s *AlignedScheduler) waitUntil(target time.Time) bool {
	wait := target.Sub(s.nowFn().UTC())
	if wait <= 0 {
		return s.ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextFixedTimeAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	anchor = anchor.UTC()
	now = now.UTC()
	if interval <= 0 {
		return now
	}
	delta := now.Sub(anchor)
	if delta < 0 {
		return anchor
	}
	k := delta / interval
	return anchor.Add((k + 1) * interval)
}

// LastClosedCandle returns the open time of the most recent fully closed
// candle of the given interval at now.
func LastClosedCandle(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now.UTC()
	}
	return now.UTC().Truncate(interval).Add(-interval)
}
