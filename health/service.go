// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var errDuplicateCheck = errors.New("duplicated check")

// Service runs registered checks periodically and caches their results.
type Service struct {
	metrics *metrics

	checksLock sync.RWMutex
	checks     map[string]Checker

	resultsLock sync.RWMutex
	results     map[string]Result

	startOnce sync.Once
	closeOnce sync.Once
	closer    chan struct{}
}

// New returns a stopped health service. A nil registerer disables the
// failing-checks gauge.
func New(namespace string, registerer prometheus.Registerer) (*Service, error) {
	metrics, err := newMetrics(namespace, registerer)
	return &Service{
		metrics: metrics,
		checks:  make(map[string]Checker),
		results: make(map[string]Result),
		closer:  make(chan struct{}),
	}, err
}

// RegisterCheck adds [checker] under [name]. The check reports as failing
// until its first execution.
func (s *Service) RegisterCheck(name string, checker Checker) error {
	s.checksLock.Lock()
	defer s.checksLock.Unlock()

	if _, ok := s.checks[name]; ok {
		return fmt.Errorf("%w: %q", errDuplicateCheck, name)
	}

	s.resultsLock.Lock()
	defer s.resultsLock.Unlock()

	s.checks[name] = checker
	s.results[name] = notYetRunResult

	// Whenever a new check is added - it is failing
	s.metrics.failingChecks.Inc()
	return nil
}

// Results returns a copy of the latest results and whether all checks pass.
func (s *Service) Results() (map[string]Result, bool) {
	s.resultsLock.RLock()
	defer s.resultsLock.RUnlock()

	results := make(map[string]Result, len(s.results))
	healthy := true
	for name, result := range s.results {
		results[name] = result
		healthy = healthy && result.Error == nil
	}
	return results, healthy
}

// Start launches the background check loop, executing all checks immediately
// and then every [freq]. Subsequent calls are no-ops.
func (s *Service) Start(ctx context.Context, freq time.Duration) {
	s.startOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(freq)
			defer ticker.Stop()

			s.runChecks(ctx)
			for {
				select {
				case <-ticker.C:
					s.runChecks(ctx)
				case <-s.closer:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop terminates the background loop. Cached results stay readable.
func (s *Service) Stop() {
	s.closeOnce.Do(func() {
		close(s.closer)
	})
}

func (s *Service) runChecks(ctx context.Context) {
	s.checksLock.RLock()
	// Copy [s.checks] to collect the checks run during this iteration. A
	// check added mid-iteration runs starting from the next one.
	checks := make(map[string]Checker, len(s.checks))
	for name, checker := range s.checks {
		checks[name] = checker
	}
	s.checksLock.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(checks))
	for name, check := range checks {
		go s.runCheck(ctx, &wg, name, check)
	}
	wg.Wait()
}

func (s *Service) runCheck(ctx context.Context, wg *sync.WaitGroup, name string, check Checker) {
	defer wg.Done()

	start := time.Now()

	// No locks may be held while the check executes, to avoid deadlocks when
	// a check grabs a lock that RegisterCheck callers hold.
	details, err := check.HealthCheck(ctx)
	end := time.Now()

	result := Result{
		Details:   details,
		Timestamp: end,
		Duration:  end.Sub(start),
	}

	s.resultsLock.Lock()
	defer s.resultsLock.Unlock()
	prevResult := s.results[name]
	if err != nil {
		errString := err.Error()
		result.Error = &errString

		result.ContiguousFailures = prevResult.ContiguousFailures + 1
		if prevResult.ContiguousFailures > 0 {
			result.TimeOfFirstFailure = prevResult.TimeOfFirstFailure
		} else {
			result.TimeOfFirstFailure = &end
		}

		if prevResult.Error == nil {
			s.metrics.failingChecks.Inc()
		}
	} else if prevResult.Error != nil {
		s.metrics.failingChecks.Dec()
	}
	s.results[name] = result
}
