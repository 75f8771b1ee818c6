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

// Package source resolves the run's input into the set of submission ids to
// evaluate.
package source

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"openeval.dev/openeval/internal/config"
)

// ErrNoSource is returned when neither an explicit id list nor a manifest is
// configured.  It is a fatal configuration error: no pipeline may start.
var ErrNoSource = errors.New("no submission source: set evaluation.submissionIDs or evaluation.manifestPath")

const manifestColumn = "submission_id"

// Resolve returns the unique submission ids for this run.  An explicit
// comma-separated list takes precedence over a manifest when both are given.
func Resolve(cfg config.View) ([]string, error) {
	if list := cfg.GetString("evaluation.submissionIDs"); list != "" {
		return dedupe(strings.Split(list, ",")), nil
	}
	if manifest := cfg.GetString("evaluation.manifestPath"); manifest != "" {
		return fromManifest(manifest)
	}
	return nil, ErrNoSource
}

// fromManifest reads submission ids from the manifest's submission_id column.
func fromManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		r.Comma = '\t'
	}
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest %s", path)
	}
	if len(rows) == 0 {
		return nil, errors.Errorf("manifest %s is empty", path)
	}

	col := -1
	for i, name := range rows[0] {
		if strings.TrimSpace(name) == manifestColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errors.Errorf("manifest %s has no %q column", path, manifestColumn)
	}

	ids := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if col < len(row) {
			ids = append(ids, row[col])
		}
	}
	return dedupe(ids), nil
}

// dedupe trims and removes duplicate ids, preserving first occurrence order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
