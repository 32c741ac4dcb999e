// Copyright (c) 2021 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

package memproc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const reaperSchedule = "@every 5m"

// Reaper periodically fails runs stuck in processing. A run whose worker
// died, e.g. on a process crash, keeps its last heartbeat; once that is
// older than maxAge the run is moved to error so it can be rerun.
type Reaper struct {
	runs   *RunManager
	maxAge time.Duration
	cron   *cron.Cron
	log    *slog.Logger
}

// NewReaper creates a reaper. A maxAge of zero disables it; Start and Stop
// are then no-ops.
func NewReaper(runs *RunManager, maxAge time.Duration) *Reaper {
	return &Reaper{
		runs:   runs,
		maxAge: maxAge,
		log:    slog.Default().With("component", "reaper"),
	}
}

// Start begins periodic sweeps in the background.
func (r *Reaper) Start() error {
	if r.maxAge == 0 {
		return nil
	}
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(reaperSchedule, func() {
		if err := r.Sweep(time.Now().UTC()); err != nil {
			r.log.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop ends the periodic sweeps. A sweep in progress finishes.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	r.cron.Stop()
}

// Sweep fails every processing run whose heartbeat is older than maxAge,
// relative to now. Runs with unparseable heartbeats are failed as well;
// they cannot prove liveness.
func (r *Reaper) Sweep(now time.Time) error {
	if r.maxAge == 0 {
		return nil
	}

	runs, err := r.runs.ProcessingRuns()
	if err != nil {
		return err
	}

	for _, run := range runs {
		heartbeat, err := time.Parse(timeFormat, run.Heartbeat)
		if err == nil && now.Sub(heartbeat) <= r.maxAge {
			continue
		}

		message := fmt.Sprintf("run reclaimed: no heartbeat since %s", run.Heartbeat)
		if run.Heartbeat == "" {
			message = "run reclaimed: no heartbeat recorded"
		}
		if err := r.runs.Fail(run.ID, message); err != nil {
			r.log.Error("could not reclaim run", "run", run.ID, "error", err)
			continue
		}
		r.log.Info("reclaimed stuck run", "run", run.ID, "plugin", run.Name)
	}
	return nil
}
