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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// LatestVersionTag in a descriptor resolves to the newest listed version.
const LatestVersionTag = "latest"

// DefaultMaxArtifactBytes caps artifact downloads.
const DefaultMaxArtifactBytes = 64 << 20

// ArtifactRef names a versioned module binary.
type ArtifactRef struct {
	Name    string
	Version string
}

// Path returns the artifact's object name: "name@version.wasm", or
// "name.wasm" when unversioned.
func (r ArtifactRef) Path() string {
	if r.Version == "" || r.Version == LatestVersionTag {
		return r.Name + ".wasm"
	}
	return r.Name + "@" + canonicalVersion(r.Version) + ".wasm"
}

// String implements fmt.Stringer.
func (r ArtifactRef) String() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "@" + r.Version
}

// Fetcher retrieves module binaries. Transport is opaque to the loader.
//
// Implementations return ErrArtifactNotFound when no artifact exists and
// wrap transient failures in ErrFetchFailed so the loader retries them.
type Fetcher interface {
	Fetch(ctx context.Context, ref ArtifactRef) ([]byte, error)
}

// StreamFetcher is a Fetcher that can also open the artifact as a stream.
type StreamFetcher interface {
	Fetcher
	Open(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error)
}

// VersionLister is a Fetcher that can list the versions of a module.
type VersionLister interface {
	Versions(ctx context.Context, name string) ([]string, error)
}

// LatestVersion returns the highest semantic version in versions, or ""
// if none is valid. A missing "v" prefix is tolerated.
func LatestVersion(versions []string) string {
	best := ""
	for _, v := range versions {
		cv := canonicalVersion(v)
		if !semver.IsValid(cv) {
			continue
		}
		if best == "" || semver.Compare(cv, best) > 0 {
			best = cv
		}
	}
	return best
}

func canonicalVersion(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// versionsFromNames extracts versions from "name@version.wasm" object names.
func versionsFromNames(name string, objects []string) []string {
	prefix := name + "@"
	var out []string
	for _, o := range objects {
		base := path.Base(filepath.ToSlash(o))
		if strings.HasPrefix(base, prefix) && strings.HasSuffix(base, ".wasm") {
			out = append(out, strings.TrimSuffix(strings.TrimPrefix(base, prefix), ".wasm"))
		}
	}
	return out
}

func readLimited(r io.Reader, limit int64, ref ArtifactRef) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxArtifactBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFetchFailed, ref, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrArtifactTooLarge, ref, limit)
	}
	return data, nil
}

// =============================================================================
// File
// =============================================================================

// FileFetcher reads artifacts from a directory.
type FileFetcher struct {
	Root     string
	MaxBytes int64
}

// Open implements StreamFetcher.
func (f FileFetcher) Open(_ context.Context, ref ArtifactRef) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(f.Root, ref.Path()))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s in %s", ErrArtifactNotFound, ref, f.Root)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return file, nil
}

// Fetch implements Fetcher.
func (f FileFetcher) Fetch(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	rc, err := f.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readLimited(rc, f.MaxBytes, ref)
}

// Versions implements VersionLister.
func (f FileFetcher) Versions(_ context.Context, name string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(f.Root, name+"@*.wasm"))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", name, err)
	}
	return versionsFromNames(name, matches), nil
}

// =============================================================================
// Embedded
// =============================================================================

// EmbeddedFetcher serves artifacts from an fs.FS, typically an embed.FS.
type EmbeddedFetcher struct {
	FS  fs.FS
	Dir string
}

// NewMapFetcher serves artifacts from memory, keyed by ArtifactRef.Path().
func NewMapFetcher(artifacts map[string][]byte) EmbeddedFetcher {
	mfs := make(mapFS, len(artifacts))
	for k, v := range artifacts {
		mfs[k] = v
	}
	return EmbeddedFetcher{FS: mfs}
}

// Fetch implements Fetcher.
func (e EmbeddedFetcher) Fetch(_ context.Context, ref ArtifactRef) ([]byte, error) {
	data, err := fs.ReadFile(e.FS, path.Join(e.dir(), ref.Path()))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return data, nil
}

// Versions implements VersionLister.
func (e EmbeddedFetcher) Versions(_ context.Context, name string) ([]string, error) {
	matches, err := fs.Glob(e.FS, path.Join(e.dir(), name+"@*.wasm"))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", name, err)
	}
	return versionsFromNames(name, matches), nil
}

func (e EmbeddedFetcher) dir() string {
	if e.Dir == "" {
		return "."
	}
	return e.Dir
}

// mapFS is a flat in-memory fs.FS.
type mapFS map[string][]byte

func (m mapFS) Open(name string) (fs.File, error) {
	if name == "." {
		return &mapDir{fs: m}, nil
	}
	data, ok := m[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &mapFile{name: name, Reader: bytes.NewReader(data), size: int64(len(data))}, nil
}

func (m mapFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if name != "." {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	entries := make([]fs.DirEntry, 0, len(m))
	for n, data := range m {
		entries = append(entries, fs.FileInfoToDirEntry(mapInfo{name: n, size: int64(len(data))}))
	}
	return entries, nil
}

type mapFile struct {
	*bytes.Reader
	name string
	size int64
}

func (f *mapFile) Stat() (fs.FileInfo, error) { return mapInfo{name: f.name, size: f.size}, nil }
func (f *mapFile) Close() error               { return nil }

type mapDir struct{ fs mapFS }

func (d *mapDir) Stat() (fs.FileInfo, error) { return mapInfo{name: ".", dir: true}, nil }
func (d *mapDir) Read([]byte) (int, error)   { return 0, io.EOF }
func (d *mapDir) Close() error               { return nil }

type mapInfo struct {
	name string
	size int64
	dir  bool
}

func (i mapInfo) Name() string       { return path.Base(i.name) }
func (i mapInfo) Size() int64        { return i.size }
func (i mapInfo) ModTime() time.Time { return time.Time{} }
func (i mapInfo) IsDir() bool        { return i.dir }
func (i mapInfo) Sys() any           { return nil }
func (i mapInfo) Mode() fs.FileMode {
	if i.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

// =============================================================================
// HTTP
// =============================================================================

// HTTPFetcher downloads artifacts relative to BaseURL.
type HTTPFetcher struct {
	BaseURL  string
	Client   *http.Client
	MaxBytes int64
}

// Open implements StreamFetcher.
func (h HTTPFetcher) Open(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error) {
	u, err := url.JoinPath(h.BaseURL, ref.Path())
	if err != nil {
		return nil, fmt.Errorf("artifact url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("artifact request: %w", err)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, u)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", ErrFetchFailed, u, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}
}

// Fetch implements Fetcher.
func (h HTTPFetcher) Fetch(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	rc, err := h.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readLimited(rc, h.MaxBytes, ref)
}
