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
	"fmt"

	"github.com/pkg/errors"
)

// Submission is one registry row in an evaluation queue view.
type Submission struct {
	// ID is the opaque, registry-assigned identifier of this evaluation attempt.
	ID string `json:"submissionId"`

	// SubmitterID is the team or user principal that made the submission.
	// Owns the artifact folder and receives notifications.
	SubmitterID string `json:"submitterId"`

	// EvaluationID identifies the queue the submission was entered in.
	EvaluationID string `json:"evaluationId"`

	// DockerRepository and DockerDigest reference the submitted container
	// image.  Both are empty for data submissions.
	DockerRepository string `json:"dockerRepositoryName,omitempty"`
	DockerDigest     string `json:"dockerDigest,omitempty"`
}

// ImageRef returns the pinned image reference of a model submission in the
// form <repository>@<digest>.
func (s Submission) ImageRef() (string, error) {
	if s.DockerRepository == "" || s.DockerDigest == "" {
		return "", errors.Errorf("submission %s has no associated container image", s.ID)
	}
	return fmt.Sprintf("%s@%s", s.DockerRepository, s.DockerDigest), nil
}

// IsDataSubmission reports whether the submitted artifact itself is the
// payload, with no container image to run.
func (s Submission) IsDataSubmission() bool {
	return s.DockerRepository == "" && s.DockerDigest == ""
}
