package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const (
	resultLogCapacity = 1000
	resultLogKeep     = 500
	defaultQueryLimit = 100
)

// ResultSink receives every finalized result, e.g. to keep durable history.
type ResultSink interface {
	RecordResult(ctx context.Context, result *TaskResult) error
}

// ResultLog is the bounded execution history. Above 1000 entries it is
// trimmed to the newest 500.
type ResultLog struct {
	mu      sync.RWMutex
	results []*TaskResult
	sink    ResultSink
	logger  zerolog.Logger
}

// NewResultLog creates an empty log. sink may be nil.
func NewResultLog(sink ResultSink, logger zerolog.Logger) *ResultLog {
	return &ResultLog{sink: sink, logger: logger}
}

// Seed preloads historic results, oldest first, without forwarding them to the sink.
func (l *ResultLog) Seed(results []*TaskResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, results...)
	l.trimLocked()
}

// Append records a finalized result.
func (l *ResultLog) Append(ctx context.Context, result *TaskResult) {
	stored := *result
	l.mu.Lock()
	l.results = append(l.results, &stored)
	l.trimLocked()
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.RecordResult(ctx, &stored); err != nil {
			l.logger.Warn().Err(err).Str("task_id", result.TaskID).Msg("record result")
		}
	}
}

func (l *ResultLog) trimLocked() {
	if len(l.results) > resultLogCapacity {
		kept := make([]*TaskResult, resultLogKeep)
		copy(kept, l.results[len(l.results)-resultLogKeep:])
		l.results = kept
	}
}

// Len returns the number of retained results.
func (l *ResultLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.results)
}

// Query returns the newest matching results in chronological order.
func (l *ResultLog) Query(filter ResultFilter) []*TaskResult {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var matched []*TaskResult
	for _, r := range l.results {
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		matched = append(matched, r)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]*TaskResult, len(matched))
	for i, r := range matched {
		c := *r
		out[i] = &c
	}
	return out
}

// Stats summarises the retained results of one task. ok is false when the
// task has no recorded results.
func (l *ResultLog) Stats(taskID string) (stats *TaskStats, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var (
		s         TaskStats
		durations float64
		timed     int
		last      *TaskResult
	)
	for _, r := range l.results {
		if r.TaskID != taskID {
			continue
		}
		s.TotalRuns++
		switch r.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
		if r.Duration > 0 {
			durations += r.Duration
			timed++
		}
		last = r
	}
	if s.TotalRuns == 0 {
		return nil, false
	}
	s.SuccessRate = float64(s.Completed) / float64(s.TotalRuns)
	if timed > 0 {
		s.AvgDuration = durations / float64(timed)
	}
	s.LastRun = last.StartTime
	s.LastStatus = last.Status
	return &s, true
}
