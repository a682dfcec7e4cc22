// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// ErrUnknownCompressor is returned by NewCompressor for unrecognised names.
var ErrUnknownCompressor = errors.New("cache: unknown compressor")

// Compressor is the size-reducing transform applied to large values.
//
// Implementations must be safe for concurrent use and Decompress must
// invert Compress exactly.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// NewCompressor returns the compressor registered under name:
// "snappy", "zstd", or "none" (nil compressor).
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "snappy", "":
		return SnappyCompressor{}, nil
	case "zstd":
		return NewZstdCompressor()
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompressor, name)
	}
}

// SnappyCompressor favours speed over ratio.
type SnappyCompressor struct{}

// Name implements Compressor.
func (SnappyCompressor) Name() string { return "snappy" }

// Compress implements Compressor.
func (SnappyCompressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

// Decompress implements Compressor.
func (SnappyCompressor) Decompress(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

// ZstdCompressor favours ratio. One encoder and decoder are shared; both
// are safe for concurrent EncodeAll/DecodeAll.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
	mu  sync.Mutex
}

// NewZstdCompressor creates a ZstdCompressor at the default level.
func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

// Name implements Compressor.
func (z *ZstdCompressor) Name() string { return "zstd" }

// Compress implements Compressor.
func (z *ZstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

// Decompress implements Compressor.
func (z *ZstdCompressor) Decompress(src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// Close releases encoder and decoder resources.
func (z *ZstdCompressor) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.dec.Close()
	return z.enc.Close()
}
