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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Sweep removes every expired entry regardless of access pattern.
//
// # Outputs
//
//   - int: Number of entries removed. They count as expirations.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	n := c.sweepLocked(c.now())
	c.mu.Unlock()
	if n > 0 {
		recordExpiration(n)
		c.logger.Debug("cache sweep", slog.Int("expired", n))
	}
	return n
}

// Maintain is the scheduler hook for periodic cache maintenance.
func (c *Cache) Maintain(_ context.Context) error {
	c.Sweep()
	return nil
}

func (c *Cache) sweepLocked(now time.Time) int {
	n := 0
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			n++
		}
	}
	c.expirations += int64(n)
	return n
}

// StartJanitor sweeps every interval until ctx is cancelled.
//
// # Description
//
// For callers that use the cache without an orchestrator. The returned
// channel is closed when the janitor goroutine exits.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
	return done
}

// GetOrLoad returns the cached value for key, calling loader on a miss.
//
// # Description
//
// Concurrent misses for the same key share one loader call. The loaded
// value is stored with ttl. A value that the cache rejects for size is
// still returned to every waiter.
//
// # Outputs
//
//   - []byte: The value.
//   - error: The loader's error, wrapped with the key.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if loader == nil {
		return nil, ErrNilLoader
	}
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, value, ttl)
		return value, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", key, err)
	}
	return v.([]byte), nil
}

// SetObject JSON-encodes v and stores it.
func (c *Cache) SetObject(key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %q: %w", key, err)
	}
	return c.Set(key, data, ttl), nil
}

// GetObject decodes the JSON value stored under key into out.
func (c *Cache) GetObject(key string, out any) (bool, error) {
	data, ok := c.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return true, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}
