package main

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/TestAgent/pkg/result"
)

// summaryListener logs the pass/fail totals of each invocation.
type summaryListener struct {
	*result.Collector
	name string
}

func newSummaryListener(name string) *summaryListener {
	return &summaryListener{Collector: result.NewCollector(), name: name}
}

func (l *summaryListener) InvocationEnded(elapsed time.Duration) {
	l.Collector.InvocationEnded(elapsed)
	event := log.Info()
	if l.Failure() != nil || l.CountStatus(result.StatusFailed) > 0 {
		event = log.Warn().AnErr("failure", l.Failure())
	}
	event.Str("invocation", l.InvocationID()).
		Str("config", l.name).
		Int("tests", l.TestCount()).
		Int("passed", l.CountStatus(result.StatusPassed)).
		Int("failed", l.CountStatus(result.StatusFailed)).
		Dur("elapsed", elapsed).
		Msg("invocation finished")
}
