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

// Package config contains convenience functions for reading and managing viper configs.
package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "openeval",
	"component": "config",
})

// Read reads the evaluator config file into a viper.Viper instance.  The file
// is looked up in the working directory first so that per-run overrides can
// shadow the deployed defaults under config/.
func Read() (View, error) {
	cfg := viper.New()
	cfg.SetConfigType("yaml")
	cfg.AddConfigPath(".")
	cfg.AddConfigPath("config")
	cfg.SetConfigName("evaluator_config")
	if err := cfg.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "fatal error reading config file")
	}

	watch(cfg)
	return cfg, nil
}

// ReadFile reads a specific config file, bypassing the search paths.  Used
// when the evaluator is started with an explicit -config flag, and by tests.
func ReadFile(path string) (View, error) {
	cfg := viper.New()
	cfg.SetConfigFile(path)
	if err := cfg.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "fatal error reading config file %s", path)
	}

	watch(cfg)
	return cfg, nil
}

// watch re-reads the config file when it changes on disk.  A batch run can be
// long-lived, and operators adjust logging levels mid-run this way.
func watch(cfg *viper.Viper) {
	cfg.WatchConfig()
	cfg.OnConfigChange(func(event fsnotify.Event) {
		logger.WithFields(logrus.Fields{
			"filename":  event.Name,
			"operation": event.Op,
		}).Info("Evaluator configuration changed.")
	})
}
