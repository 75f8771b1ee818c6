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

package registry

import (
	"context"

	"openeval.dev/openeval/internal/telemetry"
)

var (
	mRegistrySetStatusCount    = telemetry.Counter("registry/setstatuscount", "status transitions written to the registry")
	mRegistryAnnotateCount     = telemetry.Counter("registry/annotatecount", "annotation documents written to the registry")
	mRegistryEnsureFolderCount = telemetry.Counter("registry/ensurefoldercount", "folder-creation calls made against the registry")
	mRegistrySendMessageCount  = telemetry.Counter("registry/sendmessagecount", "messages sent through the registry")
)

// instrumentedService is a wrapper for a registry service that counts the
// write-side calls the pipeline makes.
type instrumentedService struct {
	s Service
}

func (is *instrumentedService) Close() error {
	return is.s.Close()
}

func (is *instrumentedService) HealthCheck(ctx context.Context) error {
	return is.s.HealthCheck(ctx)
}

func (is *instrumentedService) GetSubmissionsByView(ctx context.Context, viewID string) ([]Submission, error) {
	return is.s.GetSubmissionsByView(ctx, viewID)
}

func (is *instrumentedService) GetSubmission(ctx context.Context, id string) (Submission, error) {
	return is.s.GetSubmission(ctx, id)
}

func (is *instrumentedService) SetStatus(ctx context.Context, id string, status string) error {
	defer telemetry.RecordUnitMeasurement(ctx, mRegistrySetStatusCount)
	return is.s.SetStatus(ctx, id, status)
}

func (is *instrumentedService) Annotate(ctx context.Context, id string, doc map[string]interface{}) error {
	defer telemetry.RecordUnitMeasurement(ctx, mRegistryAnnotateCount)
	return is.s.Annotate(ctx, id, doc)
}

func (is *instrumentedService) EnsureFolder(ctx context.Context, submitterID string, names []string, private []string) (string, error) {
	defer telemetry.RecordUnitMeasurement(ctx, mRegistryEnsureFolderCount)
	return is.s.EnsureFolder(ctx, submitterID, names, private)
}

func (is *instrumentedService) SendMessage(ctx context.Context, userIDs []string, subject, body string) error {
	defer telemetry.RecordUnitMeasurement(ctx, mRegistrySendMessageCount)
	return is.s.SendMessage(ctx, userIDs, subject, body)
}
