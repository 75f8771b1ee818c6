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

import "context"

// Token is a readiness signal between phases.  A phase that depends on
// earlier work receives its Token as an input and waits on it; there is no
// shared mutable state between the phases.
type Token struct {
	done chan struct{}
	err  error
}

// NewToken creates an unresolved Token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Resolve marks the phase complete.  Resolve must be called exactly once.
func (t *Token) Resolve(err error) {
	t.err = err
	close(t.done)
}

// Wait blocks until the phase completes or ctx is canceled, and returns the
// phase's error.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.err
	}
}
