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

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"

	"openeval.dev/openeval/internal/invoker"
	"openeval.dev/openeval/internal/registry"
	"openeval.dev/openeval/internal/supervisor"
)

type fakeRegistry struct {
	mu          sync.Mutex
	statuses    map[string][]string
	annotations map[string]map[string]interface{}

	folderCalls   int
	folderActive  int
	folderOverlap bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		statuses:    map[string][]string{},
		annotations: map[string]map[string]interface{}{},
	}
}

func (f *fakeRegistry) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeRegistry) Close() error                          { return nil }

func (f *fakeRegistry) GetSubmissionsByView(ctx context.Context, viewID string) ([]registry.Submission, error) {
	return nil, nil
}

func (f *fakeRegistry) GetSubmission(ctx context.Context, id string) (registry.Submission, error) {
	return registry.Submission{ID: id}, nil
}

func (f *fakeRegistry) SetStatus(ctx context.Context, id string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Idempotent: repeating the current status does not change what an
	// observer would read back.
	current := f.statuses[id]
	if len(current) == 0 || current[len(current)-1] != status {
		f.statuses[id] = append(current, status)
	}
	return nil
}

func (f *fakeRegistry) Annotate(ctx context.Context, id string, doc map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.annotations[id] == nil {
		f.annotations[id] = map[string]interface{}{}
	}
	for k, v := range doc {
		f.annotations[id][k] = v
	}
	return nil
}

func (f *fakeRegistry) EnsureFolder(ctx context.Context, submitterID string, names []string, private []string) (string, error) {
	f.mu.Lock()
	f.folderCalls++
	f.folderActive++
	if f.folderActive > 1 {
		f.folderOverlap = true
	}
	f.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.folderActive--
	f.mu.Unlock()
	return "folder-" + submitterID, nil
}

func (f *fakeRegistry) SendMessage(ctx context.Context, userIDs []string, subject, body string) error {
	return nil
}

func (f *fakeRegistry) statusesFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses[id]...)
}

type fakeStore struct {
	mu      sync.Mutex
	uploads map[string]string
	fetch   func(prefix, destDir string) (int, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploads: map[string]string{}}
}

func (f *fakeStore) FetchPrefix(ctx context.Context, prefix, destDir string) (int, error) {
	if f.fetch != nil {
		return f.fetch(prefix, destDir)
	}
	return 0, nil
}

func (f *fakeStore) UploadArtifact(ctx context.Context, key, filePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[key] = filePath
	return "artifacts/" + key, nil
}

type fakeRunner struct {
	onRun func(spec supervisor.RunSpec)
	run   func(spec supervisor.RunSpec) (supervisor.Result, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, spec supervisor.RunSpec) (supervisor.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.onRun != nil {
		f.onRun(spec)
	}
	return f.run(spec)
}

// completedRun writes a predictions file and a log into the output dir, the
// way a well-behaved container would.
func completedRun(t *testing.T) func(spec supervisor.RunSpec) (supervisor.Result, error) {
	return func(spec supervisor.RunSpec) (supervisor.Result, error) {
		predictions := filepath.Join(spec.OutputDir, spec.SubmissionID+"_predictions.csv")
		logPath := filepath.Join(spec.OutputDir, spec.SubmissionID+"_execution.log")
		require.NoError(t, os.WriteFile(predictions, []byte("id,score\n1,0.5\n"), 0o644))
		require.NoError(t, os.WriteFile(logPath, []byte("ran fine"), 0o644))
		return supervisor.Result{
			SubmissionID:    spec.SubmissionID,
			Outcome:         supervisor.Completed,
			PredictionsPath: predictions,
			LogPath:         logPath,
		}, nil
	}
}

type fakeInvoker struct {
	validate func(predictions, reference, results string) (invoker.Report, error)
	score    func(predictions, reference, results, verdict string) (invoker.Report, error)
}

func (f *fakeInvoker) Validate(ctx context.Context, predictions, reference, results string) (invoker.Report, error) {
	return f.validate(predictions, reference, results)
}

func (f *fakeInvoker) Score(ctx context.Context, predictions, reference, results, verdict string) (invoker.Report, error) {
	return f.score(predictions, reference, results, verdict)
}

func happyInvoker() *fakeInvoker {
	return &fakeInvoker{
		validate: func(predictions, reference, results string) (invoker.Report, error) {
			return invoker.Report{
				Token:   "VALIDATED",
				Results: map[string]interface{}{"validation_status": "VALIDATED"},
			}, nil
		},
		score: func(predictions, reference, results, verdict string) (invoker.Report, error) {
			return invoker.Report{
				Token:   "SCORED",
				Results: map[string]interface{}{"score_status": "SCORED", "auc": 0.9},
			}, nil
		},
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	calls  int
	finals map[string]Status
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{finals: map[string]Status{}}
}

func (f *fakeNotifier) Notify(ctx context.Context, sub registry.Submission, final Status, results map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.finals[sub.ID] = final
	return nil
}

func newTestPipeline(t *testing.T, reg registry.Service, store *fakeStore, runner ExecRunner, inv ScriptInvoker, notifier Notifier) *Pipeline {
	cfg := viper.New()
	cfg.Set("evaluation.direction", DirectionModelToData)
	workRoot := t.TempDir()
	return New(cfg, reg, store, runner, inv, notifier, workRoot,
		filepath.Join(workRoot, "input"), filepath.Join(workRoot, "goldstandard"))
}

func modelSubmission(id string) registry.Submission {
	return registry.Submission{
		ID:               id,
		SubmitterID:      "team-" + id,
		DockerRepository: "registry.example.com/" + id,
		DockerDigest:     "sha256:abc",
	}
}

func TestEvaluateScoredSubmission(t *testing.T) {
	reg := newFakeRegistry()
	store := newFakeStore()
	runner := &fakeRunner{run: completedRun(t)}
	notifier := newFakeNotifier()

	inv := happyInvoker()
	var scoredVerdict string
	baseScore := inv.score
	inv.score = func(predictions, reference, results, verdict string) (invoker.Report, error) {
		scoredVerdict = verdict
		return baseScore(predictions, reference, results, verdict)
	}

	p := newTestPipeline(t, reg, store, runner, inv, notifier)
	final, err := p.Evaluate(context.Background(), modelSubmission("s1"))
	require.NoError(t, err)
	require.Equal(t, CodeScored, final.Code)

	require.Equal(t, []string{
		string(CodeInProgress),
		string(CodeAccepted),
		string(CodeValidated),
		string(CodeScored),
	}, reg.statusesFor("s1"))

	require.Equal(t, "VALIDATED", scoredVerdict)
	require.Contains(t, reg.annotations["s1"], "predictions_id")
	require.Contains(t, reg.annotations["s1"], "execution_log_id")
	require.Equal(t, 0.9, reg.annotations["s1"]["auc"])
	require.Equal(t, 1, notifier.calls)
	require.Equal(t, CodeScored, notifier.finals["s1"].Code)
}

func TestExecutionGatedOnStatusAndFolder(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()

	runner := &fakeRunner{run: completedRun(t)}
	runner.onRun = func(spec supervisor.RunSpec) {
		statuses := reg.statusesFor(spec.SubmissionID)
		require.Contains(t, statuses, string(CodeInProgress), "executed before marked in progress")
		reg.mu.Lock()
		defer reg.mu.Unlock()
		require.NotZero(t, reg.folderCalls, "executed before folder was ready")
	}

	p := newTestPipeline(t, reg, newFakeStore(), runner, happyInvoker(), notifier)
	_, err := p.Evaluate(context.Background(), modelSubmission("s2"))
	require.NoError(t, err)
}

func TestTimedOutFlowsThroughAllPhases(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()

	runner := &fakeRunner{run: func(spec supervisor.RunSpec) (supervisor.Result, error) {
		marker := filepath.Join(spec.OutputDir, spec.SubmissionID+"_predictions.INVALID")
		logPath := filepath.Join(spec.OutputDir, spec.SubmissionID+"_execution.log")
		require.NoError(t, os.WriteFile(marker, []byte("timed out\n"), 0o644))
		require.NoError(t, os.WriteFile(logPath, []byte("No Logs"), 0o644))
		return supervisor.Result{
			SubmissionID:  spec.SubmissionID,
			Outcome:       supervisor.TimedOut,
			LogPath:       logPath,
			MarkerPath:    marker,
			InvalidReason: "timed out",
		}, nil
	}}

	var validatedPath string
	inv := &fakeInvoker{
		validate: func(predictions, reference, results string) (invoker.Report, error) {
			validatedPath = predictions
			return invoker.Report{
				Token:   "INVALID",
				Results: map[string]interface{}{"validation_status": "INVALID", "validation_errors": "timed out"},
			}, nil
		},
		score: func(predictions, reference, results, verdict string) (invoker.Report, error) {
			require.Equal(t, string(CodeInvalid), verdict)
			return invoker.Report{
				Token:   "INVALID",
				Results: map[string]interface{}{"score_status": "INVALID"},
			}, nil
		},
	}

	p := newTestPipeline(t, reg, newFakeStore(), runner, inv, notifier)
	final, err := p.Evaluate(context.Background(), modelSubmission("s3"))
	require.NoError(t, err)
	require.Equal(t, CodeInvalid, final.Code)

	// The marker, not partial output, is what validation sees.
	require.Contains(t, validatedPath, "s3_predictions.INVALID")
	require.Equal(t, []string{
		string(CodeInProgress),
		string(CodeTimedOut),
		string(CodeInvalid),
	}, reg.statusesFor("s3"))
	require.Equal(t, 1, notifier.calls)
}

func TestCrashingValidatorDoesNotAffectSiblings(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()
	runner := &fakeRunner{run: completedRun(t)}

	inv := happyInvoker()
	baseValidate := inv.validate
	inv.validate = func(predictions, reference, results string) (invoker.Report, error) {
		if filepath.Base(filepath.Dir(filepath.Dir(predictions))) == "bad" {
			return invoker.Report{}, errors.New("validator crashed: exit status 3")
		}
		return baseValidate(predictions, reference, results)
	}

	p := newTestPipeline(t, reg, newFakeStore(), runner, inv, notifier)
	outcomes := p.RunBatch(context.Background(), []registry.Submission{
		modelSubmission("good"),
		modelSubmission("bad"),
	})

	require.Len(t, outcomes, 2)
	require.NoError(t, outcomes[0].Err)
	require.Equal(t, CodeScored, outcomes[0].Final.Code)

	require.Error(t, outcomes[1].Err)
	require.Equal(t, CodeError, outcomes[1].Final.Code)

	goodStatuses := reg.statusesFor("good")
	require.Equal(t, string(CodeScored), goodStatuses[len(goodStatuses)-1])
	badStatuses := reg.statusesFor("bad")
	require.Equal(t, string(CodeError), badStatuses[len(badStatuses)-1])
}

func TestFolderCreationIsSerialized(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()
	runner := &fakeRunner{run: completedRun(t)}

	p := newTestPipeline(t, reg, newFakeStore(), runner, happyInvoker(), notifier)

	var subs []registry.Submission
	for _, id := range []string{"f1", "f2", "f3", "f4", "f5", "f6"} {
		subs = append(subs, modelSubmission(id))
	}
	outcomes := p.RunBatch(context.Background(), subs)

	for _, o := range outcomes {
		require.NoError(t, o.Err)
	}
	require.Equal(t, len(subs), reg.folderCalls)
	require.False(t, reg.folderOverlap, "folder creations overlapped")
}

func TestEmptyArtifactIsRejected(t *testing.T) {
	reg := newFakeRegistry()
	runner := &fakeRunner{run: func(spec supervisor.RunSpec) (supervisor.Result, error) {
		predictions := filepath.Join(spec.OutputDir, spec.SubmissionID+"_predictions.csv")
		logPath := filepath.Join(spec.OutputDir, spec.SubmissionID+"_execution.log")
		require.NoError(t, os.WriteFile(predictions, nil, 0o644))
		require.NoError(t, os.WriteFile(logPath, []byte("No Logs"), 0o644))
		return supervisor.Result{
			SubmissionID:    spec.SubmissionID,
			Outcome:         supervisor.Completed,
			PredictionsPath: predictions,
			LogPath:         logPath,
		}, nil
	}}

	p := newTestPipeline(t, reg, newFakeStore(), runner, happyInvoker(), newFakeNotifier())
	_, err := p.Evaluate(context.Background(), modelSubmission("s4"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")

	statuses := reg.statusesFor("s4")
	require.Equal(t, string(CodeError), statuses[len(statuses)-1])
}

func TestDataSubmissionIsDownloadedNotExecuted(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()
	runner := &fakeRunner{run: completedRun(t)}

	store := newFakeStore()
	store.fetch = func(prefix, destDir string) (int, error) {
		require.NoError(t, os.MkdirAll(destDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(destDir, "predictions.csv"), []byte("id\n1\n"), 0o644))
		return 1, nil
	}

	p := newTestPipeline(t, reg, store, runner, happyInvoker(), notifier)
	final, err := p.Evaluate(context.Background(), registry.Submission{ID: "d1", SubmitterID: "team-d1"})
	require.NoError(t, err)
	require.Equal(t, CodeScored, final.Code)
	require.Zero(t, runner.calls, "data submission must not be executed")
	require.Contains(t, reg.annotations["d1"], "predictions_id")
}

func TestDataToModelFetchesDisjointPrefixes(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()
	runner := &fakeRunner{run: completedRun(t)}

	var mu sync.Mutex
	var prefixes []string
	store := newFakeStore()
	store.fetch = func(prefix, destDir string) (int, error) {
		mu.Lock()
		prefixes = append(prefixes, prefix)
		mu.Unlock()
		require.NoError(t, os.MkdirAll(destDir, 0o755))
		if strings.HasSuffix(prefix, "/staged") {
			require.NoError(t, os.WriteFile(filepath.Join(destDir, "goldstandard.csv"), []byte("id\n"), 0o644))
		} else {
			require.NoError(t, os.WriteFile(filepath.Join(destDir, "predictions.csv"), []byte("id\n1\n"), 0o644))
		}
		return 1, nil
	}

	cfg := viper.New()
	cfg.Set("evaluation.direction", DirectionDataToModel)
	workRoot := t.TempDir()
	p := New(cfg, reg, store, runner, happyInvoker(), notifier, workRoot,
		filepath.Join(workRoot, "input"), filepath.Join(workRoot, "goldstandard"))

	final, err := p.Evaluate(context.Background(), registry.Submission{ID: "d2", SubmitterID: "team-d2"})
	require.NoError(t, err)
	require.Equal(t, CodeScored, final.Code)

	// The staged reference and the submitted payload live under disjoint
	// prefixes, so neither fetch re-downloads the other's objects.
	require.ElementsMatch(t, []string{
		"submissions/d2/staged",
		"submissions/d2/payload",
	}, prefixes)
}

func TestBatchDrainsInFlightGauge(t *testing.T) {
	reg := newFakeRegistry()
	p := newTestPipeline(t, reg, newFakeStore(), &fakeRunner{run: completedRun(t)}, happyInvoker(), newFakeNotifier())

	outcomes := p.RunBatch(context.Background(), []registry.Submission{
		modelSubmission("g1"),
		modelSubmission("g2"),
	})
	for _, o := range outcomes {
		require.NoError(t, o.Err)
	}

	rows, err := view.RetrieveData("pipeline/submissionsinflight")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	last, ok := rows[0].Data.(*view.LastValueData)
	require.True(t, ok)
	require.Zero(t, last.Value, "gauge must drain to zero once the batch is done")
}

func TestEvaluateIsIdempotent(t *testing.T) {
	reg := newFakeRegistry()
	notifier := newFakeNotifier()

	p := newTestPipeline(t, reg, newFakeStore(), &fakeRunner{run: completedRun(t)}, happyInvoker(), notifier)
	sub := modelSubmission("s5")

	_, err := p.Evaluate(context.Background(), sub)
	require.NoError(t, err)
	firstStatuses := reg.statusesFor("s5")
	firstAnnotations := map[string]interface{}{}
	for k, v := range reg.annotations["s5"] {
		firstAnnotations[k] = v
	}

	_, err = p.Evaluate(context.Background(), sub)
	require.NoError(t, err)

	// Replaying the identical pipeline leaves the registry observably
	// unchanged apart from the repeated walk through the same statuses.
	require.Equal(t, firstAnnotations, reg.annotations["s5"])
	require.Equal(t, firstStatuses[len(firstStatuses)-1], reg.statusesFor("s5")[len(reg.statusesFor("s5"))-1])
	require.Equal(t, 2, notifier.calls)
}

func TestFromToken(t *testing.T) {
	require.Equal(t, Status{Code: CodeScored}, FromToken("SCORED"))
	require.Equal(t, Status{Code: CodeValidated}, FromToken("VALIDATED"))
	require.Equal(t, Status{Code: CodeInvalid, Detail: "ready"}, FromToken("ready"))
	require.Equal(t, "SCORED", Status{Code: CodeScored}.String())
	require.Equal(t, "INVALID: bad header", Status{Code: CodeInvalid, Detail: "bad header"}.String())
}
