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

// Package invoker runs the challenge-provided validation and scoring scripts
// as external processes and collects their verdicts.
//
// The contract with a script is narrow: it is started as
//
//	<interpreter> <script> -p <predictions> -g <reference> -o <results> [-s <verdict>]
//
// prints a status token as the last non-empty line of stdout, and writes a
// results JSON document at the -o path.  A script that exits non-zero has
// crashed; that is an error distinct from a reported INVALID verdict.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"openeval.dev/openeval/internal/config"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "openeval",
	"component": "invoker",
})

// Report carries what a script reported back: the status token from stdout
// and the parsed results document it wrote.
type Report struct {
	Token   string
	Results map[string]interface{}
}

// Invoker runs the configured validation and scoring scripts.
type Invoker struct {
	interpreter    string
	validateScript string
	scoreScript    string
}

// New creates an Invoker from the scripts section of the config.
func New(cfg config.View) *Invoker {
	return &Invoker{
		interpreter:    cfg.GetString("scripts.interpreter"),
		validateScript: cfg.GetString("scripts.validate"),
		scoreScript:    cfg.GetString("scripts.score"),
	}
}

// Validate runs the validation script against the submission's predictions.
func (i *Invoker) Validate(ctx context.Context, predictionsPath, referencePath, resultsPath string) (Report, error) {
	return i.invoke(ctx, i.validateScript, predictionsPath, referencePath, resultsPath, "")
}

// Score runs the scoring script against the predictions.  The validation
// verdict is passed through as -s so the script can decide to skip scoring
// invalid predictions while still writing a results document.
func (i *Invoker) Score(ctx context.Context, predictionsPath, referencePath, resultsPath, verdict string) (Report, error) {
	return i.invoke(ctx, i.scoreScript, predictionsPath, referencePath, resultsPath, verdict)
}

func (i *Invoker) invoke(ctx context.Context, script, predictionsPath, referencePath, resultsPath, verdict string) (Report, error) {
	args := []string{script,
		"-p", predictionsPath,
		"-g", referencePath,
		"-o", resultsPath,
	}
	if verdict != "" {
		args = append(args, "-s", verdict)
	}
	cmd := exec.CommandContext(ctx, i.interpreter, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.WithFields(logrus.Fields{
		"script":      script,
		"predictions": predictionsPath,
	}).Debug("invoking script")

	if err := cmd.Run(); err != nil {
		return Report{}, errors.Wrapf(err, "script %s crashed: %s", script, tail(stderr.String()))
	}

	token := lastLine(stdout.String())
	if token == "" {
		return Report{}, errors.Errorf("script %s reported no status token", script)
	}

	results, err := readResults(resultsPath)
	if err != nil {
		return Report{}, errors.Wrapf(err, "script %s left no usable results document", script)
	}
	return Report{Token: token, Results: results}, nil
}

func readResults(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	results := map[string]interface{}{}
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// lastLine returns the last non-empty line of the given output, trimmed.
func lastLine(out string) string {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// tail bounds stderr quoted into error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 512
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}
	return s
}
