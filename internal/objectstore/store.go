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

// Package objectstore talks to the S3-compatible object store that stages
// reference data and persists output artifacts.
package objectstore

import (
	"context"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"openeval.dev/openeval/internal/config"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "openeval",
	"component": "objectstore",
})

// Service is a generic interface for talking to the object store.
type Service interface {
	// FetchPrefix recursively downloads every object under the given prefix
	// of the datasets bucket into destDir, preserving relative paths.  It
	// returns the number of objects fetched.
	FetchPrefix(ctx context.Context, prefix, destDir string) (int, error)

	// UploadArtifact stores the file at filePath under key in the artifacts
	// bucket and returns an opaque handle for annotation.
	UploadArtifact(ctx context.Context, key, filePath string) (string, error)
}

type minioStore struct {
	client *minio.Client
	cfg    Config
}

// New creates a Service backed by an S3-compatible store.
func New(cfg config.View) (Service, error) {
	c, err := ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure:    c.UseSSL,
		Region:    c.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to construct object store client")
	}
	return &minioStore{client: client, cfg: c}, nil
}

func (ms *minioStore) FetchPrefix(ctx context.Context, prefix, destDir string) (int, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	fetched := 0
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	for obj := range ms.client.ListObjects(ctx, ms.cfg.BucketDatasets, opts) {
		if obj.Err != nil {
			return fetched, errors.Wrapf(obj.Err, "failed to list objects under %s", prefix)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		local := filepath.Join(destDir, filepath.FromSlash(relKey(obj.Key, prefix)))
		if err := ms.client.FGetObject(ctx, ms.cfg.BucketDatasets, obj.Key, local, minio.GetObjectOptions{}); err != nil {
			return fetched, errors.Wrapf(err, "failed to fetch object %s", obj.Key)
		}
		fetched++
	}
	logger.WithFields(logrus.Fields{
		"prefix":  prefix,
		"destDir": destDir,
		"objects": fetched,
	}).Debug("fetched objects from store")
	return fetched, nil
}

func (ms *minioStore) UploadArtifact(ctx context.Context, key, filePath string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	_, err := ms.client.FPutObject(ctx, ms.cfg.BucketArtifacts, key, filePath, minio.PutObjectOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload artifact %s", key)
	}
	return path.Join(ms.cfg.BucketArtifacts, key), nil
}

// relKey strips the listing prefix from an object key, leaving the path the
// object should take below the staging directory.
func relKey(key, prefix string) string {
	rel := strings.TrimPrefix(key, prefix)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = path.Base(key)
	}
	return rel
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
