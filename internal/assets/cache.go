package assets

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// SynthFunc produces narration audio bytes for a text/voice/model triple.
// Implementations are expected to already carry their retry policy.
type SynthFunc func(ctx context.Context, text, voice, model string) ([]byte, error)

// GenerateFunc produces an illustration for a prompt. A nil result with a nil
// error means the generator declined; nothing is cached.
type GenerateFunc func(ctx context.Context, prompt, key string) ([]byte, error)

// Cache is the two-tier asset cache: an in-memory map in front of the durable
// Store. Concurrent callers for the same in-flight key share one synthesis
// call. Population is idempotent and safe to race.
type Cache struct {
	store   Store
	limiter *Limiter

	sf  singleflight.Group
	mu  sync.RWMutex
	mem map[string][]byte
}

// NewCache wraps store. limiter may be nil when prefetch is not used (tests).
func NewCache(store Store, limiter *Limiter) *Cache {
	return &Cache{
		store:   store,
		limiter: limiter,
		mem:     make(map[string][]byte),
	}
}

// Audio returns the narration audio for (text, voice, model), synthesizing on
// a full miss. The durable store is re-checked inside the singleflight
// critical section, in case a concurrent process already filled the key.
func (c *Cache) Audio(ctx context.Context, text, voice, model string, synth SynthFunc) ([]byte, error) {
	key := AudioKey(model, voice, text)

	c.mu.RLock()
	data, hit := c.mem[key]
	c.mu.RUnlock()
	if hit {
		return data, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		c.mu.RLock()
		data, hit := c.mem[key]
		c.mu.RUnlock()
		if hit {
			return data, nil
		}

		data, err := c.store.GetAudio(ctx, key)
		if err == nil {
			c.remember(key, data)
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			logrus.WithError(err).WithField("key", key).Warn("asset store read failed, synthesizing")
		}

		data, err = synth(ctx, text, voice, model)
		if err != nil {
			return nil, err
		}
		if err := c.store.SaveAudio(ctx, key, data); err != nil {
			// A failed persist only costs a re-synthesis next session.
			logrus.WithError(err).WithField("key", key).Warn("asset store write failed")
		}
		c.remember(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// HasAudio reports whether narration for the triple is already cached in
// either tier.
func (c *Cache) HasAudio(ctx context.Context, text, voice, model string) bool {
	key := AudioKey(model, voice, text)
	c.mu.RLock()
	_, hit := c.mem[key]
	c.mu.RUnlock()
	if hit {
		return true
	}
	ok, err := c.store.HasAudio(ctx, key)
	return err == nil && ok
}

// Image returns the illustration for a story node, generating on a miss.
func (c *Cache) Image(ctx context.Context, storyID, nodeID, prompt string, generate GenerateFunc) ([]byte, error) {
	key := ImageKey(storyID, nodeID)

	c.mu.RLock()
	data, hit := c.mem[key]
	c.mu.RUnlock()
	if hit {
		return data, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		data, err := c.store.GetImage(ctx, key)
		if err == nil {
			c.remember(key, data)
			return data, nil
		}
		data, err = generate(ctx, prompt, key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, ErrNotFound
		}
		if err := c.store.SaveImage(ctx, key, data); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("asset store write failed")
		}
		c.remember(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// PrefetchAudio queues background population of the audio cache. It is
// fire-and-forget: failures are swallowed by the limiter, and keys already
// cached are skipped without touching the queue's pacing.
func (c *Cache) PrefetchAudio(text, voice, model string, synth SynthFunc) {
	if c.limiter == nil {
		return
	}
	c.limiter.Enqueue("audio:"+AudioKey(model, voice, text), func(ctx context.Context) error {
		if c.HasAudio(ctx, text, voice, model) {
			return nil
		}
		_, err := c.Audio(ctx, text, voice, model, synth)
		return err
	})
}

// PrefetchImage queues background illustration generation for a node.
func (c *Cache) PrefetchImage(storyID, nodeID, prompt string, generate GenerateFunc) {
	if c.limiter == nil {
		return
	}
	c.limiter.Enqueue("image:"+ImageKey(storyID, nodeID), func(ctx context.Context) error {
		_, err := c.Image(ctx, storyID, nodeID, prompt, generate)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
}

func (c *Cache) remember(key string, data []byte) {
	c.mu.Lock()
	c.mem[key] = data
	c.mu.Unlock()
}
