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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newTestConfig(baseURL string) *viper.Viper {
	cfg := viper.New()
	cfg.Set("registry.baseURL", baseURL)
	cfg.Set("backoff.initialInterval", time.Millisecond)
	cfg.Set("backoff.maxElapsedTime", 100*time.Millisecond)
	return cfg
}

func TestGetSubmissionsByView(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/evaluation/9615379/submissions", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"rows": []Submission{
				{ID: "sub1", SubmitterID: "team9", DockerRepository: "docker.example.org/team9/model", DockerDigest: "sha256:abc"},
				{ID: "sub2", SubmitterID: "user4"},
			},
		})
	}))
	defer srv.Close()

	svc := New(newTestConfig(srv.URL))
	defer svc.Close()

	subs, err := svc.GetSubmissionsByView(context.Background(), "9615379")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, "sub1", subs[0].ID)

	ref, err := subs[0].ImageRef()
	require.NoError(t, err)
	require.Equal(t, "docker.example.org/team9/model@sha256:abc", ref)

	require.True(t, subs[1].IsDataSubmission())
	_, err = subs[1].ImageRef()
	require.Error(t, err)
}

func TestSetStatusIdempotent(t *testing.T) {
	statuses := make([]string, 0, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/submission/sub1/status", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		statuses = append(statuses, body["status"])
	}))
	defer srv.Close()

	svc := New(newTestConfig(srv.URL))
	defer svc.Close()

	ctx := context.Background()
	require.NoError(t, svc.SetStatus(ctx, "sub1", "SCORED"))
	require.NoError(t, svc.SetStatus(ctx, "sub1", "SCORED"))

	// Replaying the same transition must not change the observable state.
	require.Equal(t, []string{"SCORED", "SCORED"}, statuses)
}

func TestAnnotateMergesByKey(t *testing.T) {
	var last map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/submission/sub1/annotations", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&last))
	}))
	defer srv.Close()

	svc := New(newTestConfig(srv.URL))
	defer svc.Close()

	doc := map[string]interface{}{"validation_status": "VALIDATED", "validation_errors": ""}
	require.NoError(t, svc.Annotate(context.Background(), "sub1", doc))
	require.Equal(t, "VALIDATED", last["validation_status"])
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := New(newTestConfig(srv.URL))
	defer svc.Close()

	require.NoError(t, svc.SetStatus(context.Background(), "sub1", "ACCEPTED"))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRejectionIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such submission", http.StatusNotFound)
	}))
	defer srv.Close()

	svc := New(newTestConfig(srv.URL))
	defer svc.Close()

	_, err := svc.GetSubmission(context.Background(), "missing")
	require.Error(t, err)
	// A 4xx must not be retried.
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEnsureFolderReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/folder", r.URL.Path)
		var req struct {
			SubmitterID string   `json:"submitterId"`
			Root        string   `json:"root"`
			Names       []string `json:"names"`
			Private     []string `json:"private"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "team9", req.SubmitterID)
		require.Equal(t, "Logs", req.Root)
		require.Equal(t, []string{"workflow_logs", "predictions"}, req.Names)
		require.Equal(t, []string{"predictions"}, req.Private)
		_ = json.NewEncoder(w).Encode(map[string]string{"folderId": "fld123"})
	}))
	defer srv.Close()

	svc := New(newTestConfig(srv.URL))
	defer svc.Close()

	id, err := svc.EnsureFolder(context.Background(), "team9", []string{"workflow_logs", "predictions"}, []string{"predictions"})
	require.NoError(t, err)
	require.Equal(t, "fld123", id)
}
