// Package assets is the content-addressed cache for synthesized narration
// audio and generated illustrations. Lookups go through an in-memory layer
// (de-duplicated with singleflight) before the durable store; speculative
// prefetch is funneled through a single-lane rate limiter so background work
// never bursts the remote APIs.
package assets

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned by Store lookups for absent keys.
var ErrNotFound = errors.New("asset not found")

// Store is the durable keyed blob store. Entries are write-once per key;
// saving an existing key is a no-op. Invalidation is the store owner's
// concern, never the engine's.
type Store interface {
	GetAudio(ctx context.Context, key string) ([]byte, error)
	SaveAudio(ctx context.Context, key string, data []byte) error
	HasAudio(ctx context.Context, key string) (bool, error)

	GetImage(ctx context.Context, key string) ([]byte, error)
	SaveImage(ctx context.Context, key string, data []byte) error
	HasImage(ctx context.Context, key string) (bool, error)

	Close() error
}

// AudioKey derives the cache key for synthesized narration. The model id is
// part of the key so switching synthesis models never serves stale audio
// recorded for a different voice engine.
func AudioKey(model, voice, text string) string {
	return md5Sum(model + "|" + voice + "|" + strings.TrimSpace(text))
}

// ImageKey derives the cache key for a node illustration.
func ImageKey(storyID, nodeID string) string {
	return md5Sum(storyID + "|" + nodeID)
}

func md5Sum(s string) string {
	h := md5.New()
	io.WriteString(h, s)
	return fmt.Sprintf("%x", h.Sum(nil))
}
