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

// Package logging configures the logrus logging library.
package logging

import (
	"github.com/sirupsen/logrus"

	"openeval.dev/openeval/internal/config"
)

// ConfigureLogging sets up the shared logrus instance using the logging
// section of evaluator_config.yaml:
//   - log line format (text[default], json, or stackdriver)
//   - min log level to include (debug, info [default], warn, error, fatal, panic)
//   - include source file and line number for every event (false [default], true)
func ConfigureLogging(cfg config.View) {
	level := toLevel(cfg.GetString("logging.level"))
	if isDebugLevel(level) {
		logrus.Warn("Debug logging level configured. Not recommended for production!")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter(cfg.GetString("logging.format")))
	if cfg.GetBool("logging.source") {
		logrus.SetReportCaller(true)
	}
}
