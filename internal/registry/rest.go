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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"openeval.dev/openeval/internal/config"
	"openeval.dev/openeval/internal/telemetry"
)

var (
	restLogger = logrus.WithFields(logrus.Fields{
		"app":       "openeval",
		"component": "registry.rest",
	})
	mRegistryRetries = telemetry.Counter("registry/retries", "registry calls retried after a transient failure")
)

type restBackend struct {
	baseURL string
	token   string
	client  *http.Client
	cfg     config.View
}

// newRest creates a registry.Service backed by the registry's REST API.
func newRest(cfg config.View) Service {
	timeout := cfg.GetDuration("registry.requestTimeout")
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &restBackend{
		baseURL: strings.TrimRight(cfg.GetString("registry.baseURL"), "/"),
		token:   os.Getenv(cfg.GetString("registry.authTokenEnv")),
		client:  &http.Client{Timeout: timeout},
		cfg:     cfg,
	}
}

// Close the connection to the registry.
func (rb *restBackend) Close() error {
	rb.client.CloseIdleConnections()
	return nil
}

// HealthCheck indicates if the registry is reachable.
func (rb *restBackend) HealthCheck(ctx context.Context) error {
	return rb.do(ctx, http.MethodGet, "/health", nil, nil)
}

// GetSubmissionsByView returns the submissions listed in the given evaluation queue view.
func (rb *restBackend) GetSubmissionsByView(ctx context.Context, viewID string) ([]Submission, error) {
	var resp struct {
		Rows []Submission `json:"rows"`
	}
	err := rb.do(ctx, http.MethodGet, fmt.Sprintf("/evaluation/%s/submissions", viewID), nil, &resp)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query evaluation view %s", viewID)
	}
	return resp.Rows, nil
}

// GetSubmission returns the submission with the given id.
func (rb *restBackend) GetSubmission(ctx context.Context, id string) (Submission, error) {
	var sub Submission
	err := rb.do(ctx, http.MethodGet, "/submission/"+id, nil, &sub)
	if err != nil {
		return Submission{}, errors.Wrapf(err, "failed to get submission %s", id)
	}
	return sub, nil
}

// SetStatus sets the registry-visible status of a submission.
func (rb *restBackend) SetStatus(ctx context.Context, id string, status string) error {
	body := map[string]string{"status": status}
	err := rb.do(ctx, http.MethodPut, "/submission/"+id+"/status", body, nil)
	return errors.Wrapf(err, "failed to set status %s for submission %s", status, id)
}

// Annotate merges the given results document into the submission's annotations.
func (rb *restBackend) Annotate(ctx context.Context, id string, doc map[string]interface{}) error {
	err := rb.do(ctx, http.MethodPut, "/submission/"+id+"/annotations", doc, nil)
	return errors.Wrapf(err, "failed to annotate submission %s", id)
}

// EnsureFolder creates or finds the submitter's artifact folder tree.  The
// registry treats repeated calls with the same arguments as lookups, so the
// call is idempotent; it is the caller's job to serialize access.
func (rb *restBackend) EnsureFolder(ctx context.Context, submitterID string, names []string, private []string) (string, error) {
	req := struct {
		SubmitterID string   `json:"submitterId"`
		Root        string   `json:"root"`
		Names       []string `json:"names"`
		Private     []string `json:"private"`
	}{
		SubmitterID: submitterID,
		Root:        rb.rootFolderName(),
		Names:       names,
		Private:     private,
	}
	var resp struct {
		FolderID string `json:"folderId"`
	}
	err := rb.do(ctx, http.MethodPost, "/folder", req, &resp)
	if err != nil {
		return "", errors.Wrapf(err, "failed to ensure folders for submitter %s", submitterID)
	}
	return resp.FolderID, nil
}

// SendMessage sends a message to the given registry principals.
func (rb *restBackend) SendMessage(ctx context.Context, userIDs []string, subject, body string) error {
	req := struct {
		UserIDs []string `json:"userIds"`
		Subject string   `json:"subject"`
		Body    string   `json:"body"`
	}{UserIDs: userIDs, Subject: subject, Body: body}
	err := rb.do(ctx, http.MethodPost, "/message", req, nil)
	return errors.Wrap(err, "failed to send registry message")
}

// do performs one REST call with retries.  Connection errors and 5xx
// responses are retried with the configured backoff; 4xx responses are
// permanent failures.
func (rb *restBackend) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal request body for %s %s", method, path)
		}
	}

	operation := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rb.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if rb.token != "" {
			req.Header.Set("Authorization", "Bearer "+rb.token)
		}

		resp, err := rb.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return errors.Errorf("registry returned %d for %s %s", resp.StatusCode, method, path)
		case resp.StatusCode >= 400:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return backoff.Permanent(errors.Errorf("registry rejected %s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg))))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(errors.Wrapf(err, "failed to decode registry response for %s %s", method, path))
			}
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		telemetry.RecordUnitMeasurement(ctx, mRegistryRetries)
		restLogger.WithFields(logrus.Fields{
			"error": err.Error(),
			"wait":  wait,
			"path":  path,
		}).Warn("registry call failed, retrying")
	}

	return backoff.RetryNotify(operation, backoff.WithContext(rb.newBackoffStrategy(), ctx), notify)
}

func (rb *restBackend) rootFolderName() string {
	if rb.cfg.IsSet("folders.root") {
		return rb.cfg.GetString("folders.root")
	}
	return "Logs"
}

func (rb *restBackend) newBackoffStrategy() backoff.BackOff {
	strat := backoff.NewExponentialBackOff()
	if rb.cfg.IsSet("backoff.initialInterval") {
		strat.InitialInterval = rb.cfg.GetDuration("backoff.initialInterval")
	}
	if rb.cfg.IsSet("backoff.maxElapsedTime") {
		strat.MaxElapsedTime = rb.cfg.GetDuration("backoff.maxElapsedTime")
	}
	return strat
}
