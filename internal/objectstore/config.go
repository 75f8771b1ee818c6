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

package objectstore

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"openeval.dev/openeval/internal/config"
)

// Config carries the object-store connection settings.
type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketDatasets  string
	BucketArtifacts string
}

// ConfigFrom reads the objectstore section of the evaluator config.
func ConfigFrom(cfg config.View) (Config, error) {
	c := Config{
		Endpoint:        cfg.GetString("objectstore.endpoint"),
		AccessKey:       cfg.GetString("objectstore.accessKey"),
		SecretKey:       cfg.GetString("objectstore.secretKey"),
		Region:          cfg.GetString("objectstore.region"),
		UseSSL:          cfg.GetBool("objectstore.useSSL"),
		BucketDatasets:  cfg.GetString("objectstore.bucketDatasets"),
		BucketArtifacts: cfg.GetString("objectstore.bucketArtifacts"),
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.BucketDatasets == "" {
		c.BucketDatasets = "datasets"
	}
	if c.BucketArtifacts == "" {
		c.BucketArtifacts = "artifacts"
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports configuration mistakes before a client is constructed.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("objectstore endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("objectstore endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("objectstore access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("objectstore secret key is required")
	}
	return nil
}
