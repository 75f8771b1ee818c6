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

// Package evaluator contains the run-level wiring of the evaluation batch:
// configuration, fail-fast validation, run-wide staging, submission lookup
// and the batch driver.
package evaluator

import (
	"context"
	"flag"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/api/resource"

	"openeval.dev/openeval/internal/config"
	"openeval.dev/openeval/internal/invoker"
	"openeval.dev/openeval/internal/logging"
	"openeval.dev/openeval/internal/notify"
	"openeval.dev/openeval/internal/objectstore"
	"openeval.dev/openeval/internal/pipeline"
	"openeval.dev/openeval/internal/registry"
	"openeval.dev/openeval/internal/source"
	"openeval.dev/openeval/internal/supervisor"
	"openeval.dev/openeval/internal/telemetry"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "openeval",
	"component": "app.evaluator",
})

// RunApplication reads the config and runs one evaluation batch.  For use in
// main functions.
func RunApplication() {
	configPath := flag.String("config", "", "path to the evaluator config file")
	flag.Parse()

	var cfg config.View
	var err error
	if *configPath != "" {
		cfg, err = config.ReadFile(*configPath)
	} else {
		cfg, err = config.Read()
	}
	if err != nil {
		logger.WithError(err).Fatal("cannot read configuration")
	}
	logging.ConfigureLogging(cfg)

	if err := Run(context.Background(), cfg); err != nil {
		logger.WithError(err).Fatal("evaluation run failed")
	}
}

// Run executes one batch.  Configuration mistakes abort the whole run;
// per-submission failures are confined to that submission's outcome and do
// not make Run fail.
func Run(ctx context.Context, cfg config.View) error {
	if err := validate(cfg); err != nil {
		return err
	}

	ids, err := source.Resolve(cfg)
	if err != nil {
		return err
	}

	reg := registry.New(cfg)
	defer func() {
		if err := reg.Close(); err != nil {
			logger.WithError(err).Warning("failed to close registry connection")
		}
	}()

	// The notifier is constructed before any phase runs so a bad
	// emailWithScore token fails the run up front.
	notifier, err := notify.New(cfg, reg)
	if err != nil {
		return err
	}

	store, err := objectstore.New(cfg)
	if err != nil {
		return err
	}
	runner, err := supervisor.New(cfg)
	if err != nil {
		return err
	}

	closeTelemetry, err := serveTelemetry(cfg)
	if err != nil {
		return err
	}
	defer closeTelemetry()

	runID := xid.New().String()
	workRoot := filepath.Join(os.TempDir(), "openeval-"+runID)
	inputDir := filepath.Join(workRoot, "input")
	referenceDir := filepath.Join(workRoot, "goldstandard")
	for _, dir := range []string{inputDir, referenceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create staging directory")
		}
	}
	runLog := logger.WithFields(logrus.Fields{
		"runId":       runID,
		"submissions": len(ids),
	})
	runLog.Info("starting evaluation run")

	subs, err := bootstrap(ctx, cfg, reg, store, ids, inputDir, referenceDir)
	if err != nil {
		return err
	}

	p := pipeline.New(cfg, reg, store, runner, invoker.New(cfg), notifier, workRoot, inputDir, referenceDir)
	outcomes := p.RunBatch(ctx, subs)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	runLog.WithFields(logrus.Fields{
		"done":   len(outcomes) - failed,
		"failed": failed,
	}).Info("evaluation run finished")
	return nil
}

// validate fails fast on configuration mistakes, before any registry or
// cluster call is made.
func validate(cfg config.View) error {
	switch direction := cfg.GetString("evaluation.direction"); direction {
	case "", pipeline.DirectionModelToData, pipeline.DirectionDataToModel:
	default:
		return errors.Errorf("evaluation.direction must be %s or %s, got %q",
			pipeline.DirectionModelToData, pipeline.DirectionDataToModel, direction)
	}

	switch token := cfg.GetString("notifications.emailWithScore"); token {
	case "", "yes", "no":
	default:
		return errors.Errorf("notifications.emailWithScore must be yes or no, got %q", token)
	}

	for _, key := range []string{"resources.cpu", "resources.memory"} {
		if !cfg.IsSet(key) {
			continue
		}
		if _, err := resource.ParseQuantity(cfg.GetString(key)); err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
	}
	return nil
}

// bootstrap runs the registry health check, the run-wide staging and the
// submission lookup in parallel.  Any failure here is fatal since no pipeline
// can run without them.
func bootstrap(ctx context.Context, cfg config.View, reg registry.Service, store objectstore.Service, ids []string, inputDir, referenceDir string) ([]registry.Submission, error) {
	var subs []registry.Submission
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return errors.Wrap(reg.HealthCheck(gctx), "registry is not reachable")
	})
	g.Go(func() error {
		return stage(gctx, cfg, store, inputDir, referenceDir)
	})
	g.Go(func() error {
		var err error
		subs, err = lookup(gctx, cfg, reg, ids)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return subs, nil
}

// stage fetches the run-wide data: the evaluation input mounted into every
// container and the reference the scripts compare against.
func stage(ctx context.Context, cfg config.View, store objectstore.Service, inputDir, referenceDir string) error {
	referenceID := cfg.GetString("input.referenceDataID")
	if referenceID != "" {
		n, err := store.FetchPrefix(ctx, referenceID, referenceDir)
		if err != nil {
			return errors.Wrap(err, "failed to stage reference data")
		}
		if n == 0 {
			return errors.Errorf("no reference data found under %s", referenceID)
		}
	}

	evaluationID := cfg.GetString("input.evaluationDataID")
	if evaluationID != "" {
		if _, err := store.FetchPrefix(ctx, evaluationID, inputDir); err != nil {
			return errors.Wrap(err, "failed to stage evaluation input")
		}
	}
	return nil
}

// lookup turns submission ids into registry records.  The evaluation queue
// view answers for most ids in one call; stragglers are fetched one by one.
func lookup(ctx context.Context, cfg config.View, reg registry.Service, ids []string) ([]registry.Submission, error) {
	byID := map[string]registry.Submission{}
	if queueID := cfg.GetString("evaluation.queueID"); queueID != "" {
		rows, err := reg.GetSubmissionsByView(ctx, queueID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			byID[row.ID] = row
		}
	}

	subs := make([]registry.Submission, 0, len(ids))
	for _, id := range ids {
		sub, ok := byID[id]
		if !ok {
			var err error
			sub, err = reg.GetSubmission(ctx, id)
			if err != nil {
				return nil, err
			}
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// serveTelemetry binds the Prometheus endpoint when enabled and returns a
// shutdown func.
func serveTelemetry(cfg config.View) (func(), error) {
	mux := http.NewServeMux()
	closer, err := telemetry.Setup(mux, cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.GetBool("telemetry.prometheus.enable") {
		return closer, nil
	}

	address := cfg.GetString("telemetry.address")
	if address == "" {
		address = ":9555"
	}
	srv := &http.Server{Addr: address, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warning("telemetry endpoint stopped")
		}
	}()
	logger.WithField("address", address).Info("serving telemetry")

	return func() {
		closer()
		if err := srv.Close(); err != nil {
			logger.WithError(err).Warning("failed to close telemetry endpoint")
		}
	}, nil
}
