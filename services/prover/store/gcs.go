// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures artifact upload.
type GCSConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`

	// Prefix is prepended to every object name.
	Prefix string `yaml:"prefix" json:"prefix"`

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

// GCSUploader copies artifact files into a Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	cfg    GCSConfig
	logger *slog.Logger
}

// NewGCSUploader creates the storage client.
func NewGCSUploader(ctx context.Context, cfg GCSConfig, logger *slog.Logger, opts ...option.ClientOption) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSUploader{client: client, cfg: cfg, logger: logger}, nil
}

// ObjectName returns the object a local file is uploaded to.
func (u *GCSUploader) ObjectName(localPath string) string {
	return path.Join(u.cfg.Prefix, filepath.Base(localPath))
}

// Upload copies each file into the bucket and returns the gs:// URIs.
func (u *GCSUploader) Upload(ctx context.Context, localPaths ...string) ([]string, error) {
	uris := make([]string, 0, len(localPaths))
	for _, p := range localPaths {
		name := u.ObjectName(p)
		if err := u.uploadFile(ctx, p, name); err != nil {
			return uris, err
		}
		uri := fmt.Sprintf("gs://%s/%s", u.cfg.Bucket, name)
		u.logger.Info("Uploaded artifact", slog.String("path", p), slog.String("uri", uri))
		uris = append(uris, uri)
	}
	return uris, nil
}

func (u *GCSUploader) uploadFile(ctx context.Context, localPath, object string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer f.Close()

	w := u.client.Bucket(u.cfg.Bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy local file %s to GCS object %s: %w", localPath, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return nil
}

// Close releases the client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
