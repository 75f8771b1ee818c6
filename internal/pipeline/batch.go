// Copyright 2023 The OpenEval Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"openeval.dev/openeval/internal/registry"
	"openeval.dev/openeval/internal/telemetry"
)

var mInFlight = telemetry.Gauge("pipeline/submissionsinflight", "Submission pipelines currently in flight.")

// Outcome is one submission's result in the batch summary.
type Outcome struct {
	SubmissionID string
	Final        Status
	Err          error
}

// RunBatch evaluates every submission concurrently and waits for all of
// them.  There is no shared cancellation: a failing instance reports its
// error in the summary while its siblings keep running.  Outcomes are
// returned in input order.
func (p *Pipeline) RunBatch(ctx context.Context, subs []registry.Submission) []Outcome {
	outcomes := make([]Outcome, len(subs))
	done := make(chan int, len(subs))
	telemetry.SetGauge(ctx, mInFlight, int64(len(subs)))

	for i, sub := range subs {
		go func(i int, sub registry.Submission) {
			final, err := p.Evaluate(ctx, sub)
			outcomes[i] = Outcome{SubmissionID: sub.ID, Final: final, Err: err}
			done <- i
		}(i, sub)
	}

	for remaining := len(subs); remaining > 0; remaining-- {
		i := <-done
		telemetry.SetGauge(ctx, mInFlight, int64(remaining-1))
		o := outcomes[i]
		entry := logger.WithFields(logrus.Fields{
			"submissionId": o.SubmissionID,
			"status":       o.Final.String(),
		})
		if o.Err != nil {
			entry.WithError(o.Err).Error("submission pipeline stopped early")
		} else {
			entry.Info("submission pipeline done")
		}
	}
	return outcomes
}
