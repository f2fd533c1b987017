// Package cache is the read-through download cache for archive bytes.
package cache

import (
	"bytes"
	"context"
	"io"

	"reservoir/internal/logger"
	"reservoir/internal/metrics"
	"reservoir/internal/models"
)

// Layer is one tier of the download cache. Get reports a miss as (nil, false, nil).
type Layer interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, data []byte) error
	DeletePrefix(ctx context.Context, prefix string) error
	Stats() LayerStats
}

type LayerStats struct {
	Name      string `json:"name"`
	Objects   int    `json:"objects"`
	SizeBytes int64  `json:"sizeBytes"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
}

// Loader opens the authoritative copy of a blob.
type Loader func(ctx context.Context) (io.ReadCloser, int64, error)

// Layered checks its layers in order, backfilling faster layers on a hit in
// a slower one, and falls back to the loader. Layer failures are logged and
// treated as misses.
type Layered struct {
	layers    []Layer
	maxObject int64
	log       *logger.Logger
	metrics   *metrics.Metrics
}

func NewLayered(maxObjectBytes int64, log *logger.Logger, m *metrics.Metrics, layers ...Layer) *Layered {
	return &Layered{
		layers:    layers,
		maxObject: maxObjectBytes,
		log:       log.With("component", "cache"),
		metrics:   m,
	}
}

// Open returns the blob stored under key.
func (c *Layered) Open(ctx context.Context, key string, load Loader) (io.ReadCloser, int64, error) {
	for i, layer := range c.layers {
		data, ok, err := layer.Get(ctx, key)
		if err != nil {
			c.log.Warn("cache layer read failed", "layer", layer.Name(), "key", key, "error", err)
			continue
		}
		if !ok {
			c.metrics.CacheMiss(layer.Name())
			continue
		}
		c.metrics.CacheHit(layer.Name())
		c.fill(ctx, c.layers[:i], key, data)
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	}

	rc, size, err := load(ctx)
	if err != nil {
		return nil, 0, err
	}
	if len(c.layers) == 0 || size > c.maxObject {
		return rc, size, nil
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, c.maxObject+1))
	if err != nil {
		return nil, 0, err
	}
	c.fill(ctx, c.layers, key, data)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (c *Layered) fill(ctx context.Context, layers []Layer, key string, data []byte) {
	if int64(len(data)) > c.maxObject {
		return
	}
	for _, layer := range layers {
		if err := layer.Store(ctx, key, data); err != nil {
			c.log.Warn("cache layer write failed", "layer", layer.Name(), "key", key, "error", err)
		}
	}
}

// InvalidateModel drops every cached revision of modelID.
func (c *Layered) InvalidateModel(ctx context.Context, modelID int) {
	prefix := models.ModelPrefix(modelID)
	for _, layer := range c.layers {
		if err := layer.DeletePrefix(ctx, prefix); err != nil {
			c.log.Warn("cache invalidation failed", "layer", layer.Name(), "model_id", modelID, "error", err)
		}
	}
}

func (c *Layered) Stats() []LayerStats {
	stats := make([]LayerStats, 0, len(c.layers))
	for _, layer := range c.layers {
		stats = append(stats, layer.Stats())
	}
	return stats
}
