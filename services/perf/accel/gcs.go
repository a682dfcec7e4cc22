// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package accel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSFetcher reads artifacts from a Google Cloud Storage bucket under an
// optional prefix.
type GCSFetcher struct {
	client   *storage.Client
	Bucket   string
	Prefix   string
	MaxBytes int64
}

// NewGCSFetcher creates a fetcher for gs://bucket/prefix.
//
// # Inputs
//
//   - ctx: Used for client construction.
//   - bucket: Bucket name.
//   - prefix: Object prefix, may be empty.
//   - credentialsFile: Service account key. Empty uses application
//     default credentials.
func NewGCSFetcher(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSFetcher, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSFetcher{client: client, Bucket: bucket, Prefix: prefix}, nil
}

// Open implements StreamFetcher.
func (g *GCSFetcher) Open(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error) {
	obj := g.client.Bucket(g.Bucket).Object(path.Join(g.Prefix, ref.Path()))
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrArtifactNotFound, g.Bucket, obj.ObjectName())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return r, nil
}

// Fetch implements Fetcher.
func (g *GCSFetcher) Fetch(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	rc, err := g.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readLimited(rc, g.MaxBytes, ref)
}

// Versions implements VersionLister.
func (g *GCSFetcher) Versions(ctx context.Context, name string) ([]string, error) {
	it := g.client.Bucket(g.Bucket).Objects(ctx, &storage.Query{Prefix: path.Join(g.Prefix, name+"@")})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list gs://%s: %v", ErrFetchFailed, g.Bucket, err)
		}
		names = append(names, attrs.Name)
	}
	return versionsFromNames(name, names), nil
}

// Close releases the storage client.
func (g *GCSFetcher) Close() error {
	return g.client.Close()
}
