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

// Code is the controlled status vocabulary shared with the registry.
type Code string

const (
	CodeInProgress Code = "EVALUATION_IN_PROGRESS"
	CodeAccepted   Code = "ACCEPTED"
	CodeValidated  Code = "VALIDATED"
	CodeInvalid    Code = "INVALID"
	CodeScored     Code = "SCORED"
	CodeTimedOut   Code = "TIMED_OUT"
	CodeError      Code = "EVALUATION_ERROR"
)

// Status is a tagged status value.  Code stays within the controlled
// vocabulary; Detail carries free text such as validator messages.
type Status struct {
	Code   Code
	Detail string
}

func (s Status) String() string {
	if s.Detail == "" {
		return string(s.Code)
	}
	return string(s.Code) + ": " + s.Detail
}

// FromToken maps a script-reported status token into a Status.  Tokens
// outside the vocabulary are preserved as detail on an INVALID status rather
// than written to the registry verbatim.
func FromToken(token string) Status {
	switch Code(token) {
	case CodeInProgress, CodeAccepted, CodeValidated, CodeInvalid, CodeScored, CodeTimedOut, CodeError:
		return Status{Code: Code(token)}
	}
	return Status{Code: CodeInvalid, Detail: token}
}
