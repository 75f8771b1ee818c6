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

// Package supervisor runs a submission's container as a Kubernetes batch Job,
// bounds its lifetime and log volume, and classifies how the run ended.
// Abnormal endings are results, not errors: only infrastructure failures
// (the Job cannot be created, the API is unreachable) surface as errors.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"openeval.dev/openeval/internal/config"
	"openeval.dev/openeval/internal/telemetry"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "openeval",
		"component": "supervisor",
	})

	mTimeouts = telemetry.Counter("supervisor/timeouts", "submission executions killed at the timeout")
)

// Outcome classifies how a submission execution ended.
type Outcome string

const (
	// Completed means the container exited zero and produced predictions.
	Completed Outcome = "Completed"
	// Failed means the container terminated abnormally.
	Failed Outcome = "Failed"
	// TimedOut means the run was killed at the configured timeout.
	TimedOut Outcome = "TimedOut"
	// NoOutput means the container exited zero but left no usable
	// predictions file in the output mount.
	NoOutput Outcome = "NoOutput"
)

// noLogs is written in place of an empty log capture so that an artifact
// always exists for the submitter to download.
const noLogs = "No Logs"

// RunSpec describes one submission execution.
type RunSpec struct {
	SubmissionID string
	// Image is the pinned reference (repository@digest) to run.
	Image string
	// InputDir is mounted read-only into the container.  It may be shared
	// across submissions.
	InputDir string
	// OutputDir is mounted read-write and is exclusive to this submission.
	// Predictions, the execution log and any INVALID marker end up here.
	OutputDir string
}

// Result is the classified end of one execution.  PredictionsPath is empty
// unless Outcome is Completed; MarkerPath points at the INVALID marker file
// written for every non-Completed outcome.
type Result struct {
	SubmissionID    string
	Outcome         Outcome
	PredictionsPath string
	LogPath         string
	MarkerPath      string
	InvalidReason   string
}

// Runner executes submissions as batch Jobs.
type Runner struct {
	client       kubernetes.Interface
	namespace    string
	timeout      time.Duration
	pollInterval time.Duration
	logMaxBytes  int64
	cpu          resource.Quantity
	memory       resource.Quantity
}

// New creates a Runner from the cluster the process runs in (or the local
// kubeconfig outside a cluster).
func New(cfg config.View) (*Runner, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	return newRunner(client, cfg), nil
}

func newRunner(client kubernetes.Interface, cfg config.View) *Runner {
	namespace := cfg.GetString("execution.namespace")
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	timeout := cfg.GetDuration("execution.timeout")
	if timeout <= 0 {
		timeout = 3 * time.Hour
	}
	pollInterval := cfg.GetDuration("execution.pollInterval")
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	logMaxKB := cfg.GetInt64("execution.logMaxSizeKB")
	if logMaxKB <= 0 {
		logMaxKB = 50
	}
	return &Runner{
		client:       client,
		namespace:    namespace,
		timeout:      timeout,
		pollInterval: pollInterval,
		logMaxBytes:  logMaxKB * 1024,
		cpu:          resource.MustParse(cfg.GetString("resources.cpu")),
		memory:       resource.MustParse(cfg.GetString("resources.memory")),
	}
}

// Run executes the submission to completion, timeout or failure.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (Result, error) {
	runLog := logger.WithFields(logrus.Fields{
		"submissionId": spec.SubmissionID,
		"image":        spec.Image,
	})

	// The xid suffix keeps names unique across re-runs of the same
	// submission, so a Job left behind by an earlier attempt never blocks
	// creation.
	jobName := jobNameFor(spec.SubmissionID) + "-" + xid.New().String()
	job := r.jobFor(jobName, spec)
	jobs := r.client.BatchV1().Jobs(r.namespace)
	if _, err := jobs.Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return Result{}, errors.Wrapf(err, "failed to create job %s", jobName)
	}
	runLog.WithField("job", jobName).Info("created execution job")

	outcome, waitErr := r.await(ctx, jobName)
	if waitErr != nil {
		return Result{}, waitErr
	}

	result := Result{SubmissionID: spec.SubmissionID, Outcome: outcome}
	outputDir := spec.OutputDir

	logPath, err := r.captureLogs(ctx, jobName, spec.SubmissionID, outputDir)
	if err != nil {
		runLog.WithError(err).Warning("failed to capture execution logs")
		logPath = ""
	}
	result.LogPath = logPath

	// Finished Jobs are removed once their logs are captured, whatever the
	// outcome, so nothing accumulates in the cluster between batches.
	if err := jobs.Delete(ctx, jobName, deleteOptions()); err != nil {
		runLog.WithError(err).Warning("failed to delete finished job")
	}

	if outcome == TimedOut {
		telemetry.RecordUnitMeasurement(ctx, mTimeouts)
		result.InvalidReason = fmt.Sprintf("submission execution exceeded the time limit of %v", r.timeout)
	}

	switch outcome {
	case Completed:
		predictions, reason := DiscoverPredictions(outputDir, spec.SubmissionID)
		if predictions == "" {
			result.Outcome = NoOutput
			result.InvalidReason = reason
		}
		result.PredictionsPath = predictions
	case Failed:
		result.InvalidReason = "submission container terminated abnormally"
	}

	if result.Outcome != Completed {
		marker, err := WriteMarker(outputDir, spec.SubmissionID, result.InvalidReason)
		if err != nil {
			return Result{}, err
		}
		result.MarkerPath = marker
	}

	runLog.WithFields(logrus.Fields{
		"outcome": result.Outcome,
		"reason":  result.InvalidReason,
	}).Info("execution finished")
	return result, nil
}

// await polls the Job until it reaches a terminal state or the timeout
// elapses.  It never returns TimedOut as an error.
func (r *Runner) await(ctx context.Context, jobName string) (Outcome, error) {
	deadline := time.Now().Add(r.timeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		job, err := r.client.BatchV1().Jobs(r.namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			return "", errors.Wrapf(err, "failed to poll job %s", jobName)
		}
		switch {
		case job.Status.Succeeded > 0:
			return Completed, nil
		case job.Status.Failed > 0:
			return Failed, nil
		}
		if !time.Now().Before(deadline) {
			return TimedOut, nil
		}

		select {
		case <-ctx.Done():
			return "", errors.Wrapf(ctx.Err(), "canceled while waiting on job %s", jobName)
		case <-ticker.C:
		}
	}
}

// captureLogs writes the job's pod logs to <outputDir>/<id>_execution.log.
// The capture is bounded twice: the API read is limited to logMaxBytes, and
// the file is truncated to the same cap afterwards.
func (r *Runner) captureLogs(ctx context.Context, jobName, submissionID, outputDir string) (string, error) {
	pods, err := r.client.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=openeval,submissionId=" + submissionID,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to list pods of job %s", jobName)
	}

	logPath := filepath.Join(outputDir, submissionID+"_execution.log")
	f, err := os.Create(logPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create log file %s", logPath)
	}
	defer f.Close()

	var written int64
	for _, pod := range pods.Items {
		req := r.client.CoreV1().Pods(r.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			LimitBytes: &r.logMaxBytes,
		})
		stream, err := req.Stream(ctx)
		if err != nil {
			logger.WithError(err).WithField("pod", pod.Name).Warning("failed to stream pod logs")
			continue
		}
		n, err := io.Copy(f, stream)
		stream.Close()
		written += n
		if err != nil {
			return "", errors.Wrapf(err, "failed to write logs of pod %s", pod.Name)
		}
	}

	if written == 0 {
		if _, err := f.WriteString(noLogs); err != nil {
			return "", errors.Wrapf(err, "failed to write log file %s", logPath)
		}
		return logPath, nil
	}
	if written > r.logMaxBytes {
		if err := f.Truncate(r.logMaxBytes); err != nil {
			return "", errors.Wrapf(err, "failed to truncate log file %s", logPath)
		}
	}
	return logPath, nil
}

func (r *Runner) jobFor(jobName string, spec RunSpec) *batchv1.Job {
	var backoffLimit int32
	automount := false
	hostPathDir := corev1.HostPathDirectory

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: r.namespace,
			Labels: map[string]string{
				"app":          "openeval",
				"submissionId": spec.SubmissionID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":          "openeval",
						"submissionId": spec.SubmissionID,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:                corev1.RestartPolicyNever,
					AutomountServiceAccountToken: &automount,
					Volumes: []corev1.Volume{
						{
							Name: "input",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{
									Path: spec.InputDir,
									Type: &hostPathDir,
								},
							},
						},
						{
							Name: "output",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{
									Path: spec.OutputDir,
									Type: &hostPathDir,
								},
							},
						},
					},
					Containers: []corev1.Container{
						{
							Name:            "submission",
							Image:           spec.Image,
							ImagePullPolicy: corev1.PullIfNotPresent,
							VolumeMounts: []corev1.VolumeMount{
								{Name: "input", MountPath: "/input", ReadOnly: true},
								{Name: "output", MountPath: "/output"},
							},
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    r.cpu,
									corev1.ResourceMemory: r.memory,
								},
							},
						},
					},
				},
			},
		},
	}
}

// DiscoverPredictions expects exactly one predictions.csv or predictions.zip
// in the output directory.  The file is renamed to carry the submission id so
// uploaded artifacts stay distinguishable across submissions.
func DiscoverPredictions(outputDir, submissionID string) (path, reason string) {
	var found []string
	for _, name := range []string{"predictions.csv", "predictions.zip"} {
		candidate := filepath.Join(outputDir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			found = append(found, candidate)
		}
	}
	switch len(found) {
	case 0:
		return "", "submission produced no predictions.csv or predictions.zip"
	case 1:
	default:
		return "", "submission produced more than one predictions file"
	}

	ext := filepath.Ext(found[0])
	renamed := filepath.Join(outputDir, submissionID+"_predictions"+ext)
	if err := os.Rename(found[0], renamed); err != nil {
		return "", fmt.Sprintf("failed to collect predictions: %v", err)
	}
	return renamed, ""
}

// WriteMarker records why no predictions were collected, under a name the
// downstream phases recognize as invalid.
func WriteMarker(outputDir, submissionID, reason string) (string, error) {
	marker := filepath.Join(outputDir, submissionID+"_predictions.INVALID")
	if err := os.WriteFile(marker, []byte(reason+"\n"), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write marker %s", marker)
	}
	return marker, nil
}

func deleteOptions() metav1.DeleteOptions {
	propagation := metav1.DeletePropagationBackground
	return metav1.DeleteOptions{PropagationPolicy: &propagation}
}

// jobNameFor derives a DNS-1123 compliant Job name from the submission id.
func jobNameFor(submissionID string) string {
	name := strings.ToLower(submissionID)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, name)
	return "evaluate-" + strings.Trim(name, "-")
}
