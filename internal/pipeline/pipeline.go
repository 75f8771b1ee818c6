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

// Package pipeline drives one submission at a time from intake to DONE:
// stage, mark in progress, execute, publish artifacts, validate, score,
// annotate and notify.  Instances for different submissions run in parallel
// and never share state; the only cross-instance coordination is the
// folder-creation gate, which admits one instance at a time to the
// registry's rate-limited folder endpoint.
//
// Abnormal execution outcomes (timeout, crash, missing output) are carried
// forward as data so every remaining phase still runs; only configuration
// mistakes and script crashes stop an instance early.
package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"openeval.dev/openeval/internal/config"
	"openeval.dev/openeval/internal/invoker"
	"openeval.dev/openeval/internal/objectstore"
	"openeval.dev/openeval/internal/registry"
	"openeval.dev/openeval/internal/supervisor"
	"openeval.dev/openeval/internal/telemetry"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "openeval",
		"component": "pipeline",
	})

	mStarted = telemetry.Counter("pipeline/submissionsstarted", "submission pipelines started")
	mDone    = telemetry.Counter("pipeline/submissionsdone", "submission pipelines finished")
	mFailed  = telemetry.Counter("pipeline/submissionsfailed", "submission pipelines stopped by an instance error")
)

// Challenge directions.  Model-to-data runs the submitted container against
// staged input; data-to-model treats the submission itself as the payload
// and downloads it instead of executing anything.
const (
	DirectionModelToData = "model-to-data"
	DirectionDataToModel = "data-to-model"
)

// ExecRunner executes a submission container.
type ExecRunner interface {
	Run(ctx context.Context, spec supervisor.RunSpec) (supervisor.Result, error)
}

// ScriptInvoker runs the challenge's validation and scoring scripts.
type ScriptInvoker interface {
	Validate(ctx context.Context, predictionsPath, referencePath, resultsPath string) (invoker.Report, error)
	Score(ctx context.Context, predictionsPath, referencePath, resultsPath, verdict string) (invoker.Report, error)
}

// Notifier delivers the end-of-pipeline message for one submission.
type Notifier interface {
	Notify(ctx context.Context, sub registry.Submission, final Status, results map[string]interface{}) error
}

// Pipeline evaluates submissions.  One Pipeline serves a whole batch; state
// per submission lives on the stack of Evaluate.
type Pipeline struct {
	registry registry.Service
	store    objectstore.Service
	runner   ExecRunner
	invoker  ScriptInvoker
	notifier Notifier

	direction      string
	workRoot       string
	inputDir       string
	referenceDir   string
	folderNames    []string
	privateFolders []string

	// folderGate admits one folder creation at a time across all instances.
	folderGate chan struct{}
}

// New wires a Pipeline.  inputDir and referenceDir point at data staged once
// per run by the caller.
func New(cfg config.View, reg registry.Service, store objectstore.Service, runner ExecRunner, inv ScriptInvoker, notifier Notifier, workRoot, inputDir, referenceDir string) *Pipeline {
	private := cfg.GetStringSlice("folders.private")
	if !cfg.IsSet("folders.private") {
		private = []string{"predictions"}
	}
	direction := cfg.GetString("evaluation.direction")
	if direction == "" {
		direction = DirectionModelToData
	}
	return &Pipeline{
		registry:       reg,
		store:          store,
		runner:         runner,
		invoker:        inv,
		notifier:       notifier,
		direction:      direction,
		workRoot:       workRoot,
		inputDir:       inputDir,
		referenceDir:   referenceDir,
		folderNames:    []string{"workflow_logs", "predictions"},
		privateFolders: private,
		folderGate:     make(chan struct{}, 1),
	}
}

// Evaluate drives one submission to DONE and returns its final status.  An
// error means this instance stopped early (infrastructure or script crash);
// it never affects other submissions.
func (p *Pipeline) Evaluate(ctx context.Context, sub registry.Submission) (Status, error) {
	telemetry.RecordUnitMeasurement(ctx, mStarted)
	subLog := logger.WithField("submissionId", sub.ID)

	workDir := filepath.Join(p.workRoot, sub.ID)
	outputDir := filepath.Join(workDir, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return p.fail(ctx, sub, errors.Wrap(err, "failed to create work directory"))
	}

	reference, err := p.stage(ctx, sub, workDir)
	if err != nil {
		return p.fail(ctx, sub, err)
	}

	// Mark in progress and ensure the artifact folder concurrently.  Either
	// may finish first, but both gate execution: the output location depends
	// on the folder, and the status must be visible before observers query.
	inProgress := NewToken()
	go func() {
		inProgress.Resolve(p.registry.SetStatus(ctx, sub.ID, string(CodeInProgress)))
	}()

	folder := NewToken()
	var folderID string
	go func() {
		p.folderGate <- struct{}{}
		defer func() { <-p.folderGate }()
		id, err := p.registry.EnsureFolder(ctx, sub.SubmitterID, p.folderNames, p.privateFolders)
		folderID = id
		folder.Resolve(err)
	}()

	if err := inProgress.Wait(ctx); err != nil {
		return p.fail(ctx, sub, errors.Wrap(err, "failed to mark submission in progress"))
	}
	if err := folder.Wait(ctx); err != nil {
		return p.fail(ctx, sub, errors.Wrap(err, "failed to ensure artifact folder"))
	}
	subLog.WithField("folderId", folderID).Debug("artifact folder ready")

	execution, err := p.execute(ctx, sub, outputDir)
	if err != nil {
		return p.fail(ctx, sub, err)
	}

	if err := p.publish(ctx, sub, execution); err != nil {
		return p.fail(ctx, sub, err)
	}

	// Timeouts surface here instead of ACCEPTED so observers see the failure
	// as soon as the artifacts are in place.
	accepted := CodeAccepted
	if execution.Outcome == supervisor.TimedOut {
		accepted = CodeTimedOut
	}
	if err := p.registry.SetStatus(ctx, sub.ID, string(accepted)); err != nil {
		return p.fail(ctx, sub, errors.Wrap(err, "failed to mark submission accepted"))
	}

	predictions := execution.PredictionsPath
	if predictions == "" {
		predictions = execution.MarkerPath
	}

	validation, err := p.invoker.Validate(ctx, predictions, reference, filepath.Join(workDir, "validation_results.json"))
	if err != nil {
		return p.fail(ctx, sub, errors.Wrap(err, "validation failed"))
	}
	verdict := FromToken(validation.Token)
	if err := p.registry.SetStatus(ctx, sub.ID, string(verdict.Code)); err != nil {
		return p.fail(ctx, sub, errors.Wrap(err, "failed to record validation status"))
	}
	if err := p.registry.Annotate(ctx, sub.ID, validation.Results); err != nil {
		return p.fail(ctx, sub, errors.Wrap(err, "failed to record validation results"))
	}

	// Scoring always runs; the script decides what to do with an invalid
	// verdict and still writes a results document.
	scoring, err := p.invoker.Score(ctx, predictions, reference, filepath.Join(workDir, "score_results.json"), string(verdict.Code))
	if err != nil {
		return p.fail(ctx, sub, errors.Wrap(err, "scoring failed"))
	}
	final := FromToken(scoring.Token)
	if err := p.registry.SetStatus(ctx, sub.ID, string(final.Code)); err != nil {
		return p.fail(ctx, sub, errors.Wrap(err, "failed to record final status"))
	}
	if err := p.registry.Annotate(ctx, sub.ID, scoring.Results); err != nil {
		return p.fail(ctx, sub, errors.Wrap(err, "failed to record scoring results"))
	}

	if err := p.notifier.Notify(ctx, sub, final, scoring.Results); err != nil {
		// The terminal status is already durable in the registry; a lost
		// notification does not unwind the pipeline.
		subLog.WithError(err).Warning("failed to notify submitter")
	}

	telemetry.RecordUnitMeasurement(ctx, mDone)
	subLog.WithField("status", final.String()).Info("submission evaluated")
	return final, nil
}

// stage prepares submission-specific input and returns the reference path
// the validator and scorer compare against.
func (p *Pipeline) stage(ctx context.Context, sub registry.Submission, workDir string) (string, error) {
	if p.direction != DirectionDataToModel {
		return p.referenceDir, nil
	}
	stagedDir := filepath.Join(workDir, "staged")
	n, err := p.store.FetchPrefix(ctx, "submissions/"+sub.ID+"/staged", stagedDir)
	if err != nil {
		return "", errors.Wrap(err, "failed to stage submission data")
	}
	if n == 0 {
		return "", errors.Errorf("no staged data found for submission %s", sub.ID)
	}
	return stagedDir, nil
}

// execute produces the submission's predictions: container run in the
// model-to-data direction, object-store download in the data direction.
// Abnormal endings come back as classified results, not errors.
func (p *Pipeline) execute(ctx context.Context, sub registry.Submission, outputDir string) (supervisor.Result, error) {
	if sub.IsDataSubmission() {
		return p.download(ctx, sub, outputDir)
	}

	image, err := sub.ImageRef()
	if err != nil {
		return supervisor.Result{}, err
	}
	return p.runner.Run(ctx, supervisor.RunSpec{
		SubmissionID: sub.ID,
		Image:        image,
		InputDir:     p.inputDir,
		OutputDir:    outputDir,
	})
}

func (p *Pipeline) download(ctx context.Context, sub registry.Submission, outputDir string) (supervisor.Result, error) {
	result := supervisor.Result{SubmissionID: sub.ID, Outcome: supervisor.Completed}

	// The payload prefix is disjoint from submissions/<id>/staged, which
	// stage already fetched into the work area.
	if _, err := p.store.FetchPrefix(ctx, "submissions/"+sub.ID+"/payload", outputDir); err != nil {
		return supervisor.Result{}, errors.Wrap(err, "failed to download submission")
	}
	predictions, reason := supervisor.DiscoverPredictions(outputDir, sub.ID)
	if predictions == "" {
		result.Outcome = supervisor.NoOutput
		result.InvalidReason = reason
		marker, err := supervisor.WriteMarker(outputDir, sub.ID, reason)
		if err != nil {
			return supervisor.Result{}, err
		}
		result.MarkerPath = marker
	}
	result.PredictionsPath = predictions

	// There is no container, so the log artifact is just the placeholder.
	logPath := filepath.Join(outputDir, sub.ID+"_execution.log")
	if err := os.WriteFile(logPath, []byte("No Logs"), 0o644); err != nil {
		return supervisor.Result{}, errors.Wrap(err, "failed to write log artifact")
	}
	result.LogPath = logPath
	return result, nil
}

// publish uploads the execution artifacts and records their handles as
// annotations so downstream consumers reference files by id, not by value.
func (p *Pipeline) publish(ctx context.Context, sub registry.Submission, execution supervisor.Result) error {
	annotations := map[string]interface{}{}

	if execution.LogPath != "" {
		id, err := p.uploadArtifact(ctx, sub, "workflow_logs", execution.LogPath)
		if err != nil {
			return err
		}
		annotations["execution_log_id"] = id
	}

	predictions := execution.PredictionsPath
	if predictions == "" {
		predictions = execution.MarkerPath
	}
	if predictions != "" {
		id, err := p.uploadArtifact(ctx, sub, "predictions", predictions)
		if err != nil {
			return err
		}
		annotations["predictions_id"] = id
	}

	if len(annotations) == 0 {
		return nil
	}
	return errors.Wrap(p.registry.Annotate(ctx, sub.ID, annotations), "failed to record artifact annotations")
}

func (p *Pipeline) uploadArtifact(ctx context.Context, sub registry.Submission, folder, filePath string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat artifact %s", filePath)
	}
	if info.Size() == 0 {
		return "", errors.Errorf("artifact %s is empty", filePath)
	}
	key := "submissions/" + sub.SubmitterID + "/" + folder + "/" + filepath.Base(filePath)
	id, err := p.store.UploadArtifact(ctx, key, filePath)
	if err != nil {
		return "", err
	}
	return id, nil
}

// fail stops this instance.  The error status is written best effort: the
// registry may be the thing that is broken.
func (p *Pipeline) fail(ctx context.Context, sub registry.Submission, err error) (Status, error) {
	telemetry.RecordUnitMeasurement(ctx, mFailed)
	status := Status{Code: CodeError, Detail: err.Error()}
	if setErr := p.registry.SetStatus(ctx, sub.ID, string(CodeError)); setErr != nil {
		logger.WithField("submissionId", sub.ID).WithError(setErr).Warning("failed to record error status")
	}
	return status, err
}
