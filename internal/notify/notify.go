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

// Package notify renders and delivers the end-of-pipeline message to the
// submitter, through the registry's messaging endpoint.  Whether scores are
// revealed before the challenge closes is a per-challenge choice
// (notifications.emailWithScore).
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"openeval.dev/openeval/internal/config"
	"openeval.dev/openeval/internal/pipeline"
	"openeval.dev/openeval/internal/registry"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "openeval",
	"component": "notify",
})

// MessageSender is the slice of the registry the notifier needs.
type MessageSender interface {
	SendMessage(ctx context.Context, userIDs []string, subject, body string) error
}

// Notifier sends one message per evaluated submission.
type Notifier struct {
	sender    MessageSender
	enabled   bool
	withScore bool
	project   string
	viewBase  string
}

// New validates the notification config and wires a Notifier.  An
// emailWithScore value outside {yes, no} is a configuration error the caller
// must treat as fatal before any pipeline starts.
func New(cfg config.View, sender MessageSender) (*Notifier, error) {
	withScore := false
	switch token := cfg.GetString("notifications.emailWithScore"); token {
	case "yes":
		withScore = true
	case "no", "":
	default:
		return nil, errors.Errorf("notifications.emailWithScore must be yes or no, got %q", token)
	}
	return &Notifier{
		sender:    sender,
		enabled:   cfg.GetBool("notifications.enable"),
		withScore: withScore,
		project:   cfg.GetString("project.name"),
		viewBase:  strings.TrimSuffix(cfg.GetString("registry.baseURL"), "/"),
	}, nil
}

// Notify delivers the outcome message for one submission.  When
// notifications are disabled it is a no-op so the pipeline still completes
// its final phase.
func (n *Notifier) Notify(ctx context.Context, sub registry.Submission, final pipeline.Status, results map[string]interface{}) error {
	if !n.enabled {
		logger.WithField("submissionId", sub.ID).Debug("notifications disabled, skipping")
		return nil
	}

	subject, body := n.render(sub, final, results)
	if err := n.sender.SendMessage(ctx, []string{sub.SubmitterID}, subject, body); err != nil {
		return errors.Wrapf(err, "failed to notify submitter of %s", sub.ID)
	}
	logger.WithFields(logrus.Fields{
		"submissionId": sub.ID,
		"status":       final.Code,
	}).Info("submitter notified")
	return nil
}

func (n *Notifier) render(sub registry.Submission, final pipeline.Status, results map[string]interface{}) (subject, body string) {
	link := fmt.Sprintf("%s/submissions/%s", n.viewBase, sub.ID)

	switch final.Code {
	case pipeline.CodeScored, pipeline.CodeValidated:
		subject = fmt.Sprintf("Submission to %s evaluated (id %s)", n.project, sub.ID)
		if n.withScore {
			body = fmt.Sprintf(
				"Your submission (id %s) to %s has been evaluated.\n\n%s\nView your submission: %s\n",
				sub.ID, n.project, scoreLines(results), link)
			return subject, body
		}
		body = fmt.Sprintf(
			"Your submission (id %s) to %s has been evaluated.\n\nYour scores will be available after the challenge closes.\n",
			sub.ID, n.project)
		return subject, body
	default:
		subject = fmt.Sprintf("Submission to %s could not be evaluated (id %s)", n.project, sub.ID)
		reason := final.Detail
		if reason == "" {
			reason = reasonFromResults(results)
		}
		body = fmt.Sprintf(
			"Your submission (id %s) to %s could not be evaluated.\n\nStatus: %s\nReason: %s\n",
			sub.ID, n.project, final.Code, reason)
		if n.withScore {
			body += fmt.Sprintf("\nView your submission: %s\n", link)
		}
		return subject, body
	}
}

// scoreLines renders the numeric metrics of a results document, one per
// line, in stable order.
func scoreLines(results map[string]interface{}) string {
	keys := make([]string, 0, len(results))
	for k, v := range results {
		if _, ok := v.(float64); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if len(keys) == 0 {
		return "No scores were reported.\n"
	}
	var b strings.Builder
	b.WriteString("Scores:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, results[k])
	}
	return b.String()
}

func reasonFromResults(results map[string]interface{}) string {
	for _, key := range []string{"validation_errors", "score_errors"} {
		if v, ok := results[key].(string); ok && v != "" {
			return v
		}
	}
	return "see the submission's annotations for details"
}
