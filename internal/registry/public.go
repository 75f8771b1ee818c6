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

// Package registry talks to the external submission registry: the
// authoritative store of submissions, their statuses and annotations.
package registry

import (
	"context"

	"openeval.dev/openeval/internal/config"
)

// Service is a generic interface for talking to the submission registry.
type Service interface {
	// HealthCheck indicates if the registry is reachable.
	HealthCheck(ctx context.Context) error

	// GetSubmissionsByView returns the submissions listed in the given
	// evaluation queue view.
	GetSubmissionsByView(ctx context.Context, viewID string) ([]Submission, error)

	// GetSubmission returns the submission with the given id.  This method
	// fails if the submission does not exist.
	GetSubmission(ctx context.Context, id string) (Submission, error)

	// SetStatus sets the registry-visible status of a submission.  The call
	// is idempotent: repeating it with the same status leaves the registry
	// in the same observable state.
	SetStatus(ctx context.Context, id string, status string) error

	// Annotate merges the given results document into the submission's
	// annotations, key by key.  Idempotent given the same payload.
	Annotate(ctx context.Context, id string, doc map[string]interface{}) error

	// EnsureFolder creates (or finds) the submitter's artifact folder tree
	// under the configured root and returns its id.  This endpoint is rate
	// limited by the registry; callers serialize access to it.
	EnsureFolder(ctx context.Context, submitterID string, names []string, private []string) (string, error)

	// SendMessage sends a message to the given registry principals.
	SendMessage(ctx context.Context, userIDs []string, subject, body string) error

	// Close closes the connection to the registry.
	Close() error
}

// New creates a Service based on the configuration.
func New(cfg config.View) Service {
	s := newRest(cfg)
	if cfg.GetBool("telemetry.prometheus.enable") {
		return &instrumentedService{
			s: s,
		}
	}
	return s
}
