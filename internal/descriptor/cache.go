package descriptor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"attendgate/internal/faceclient"
)

// ErrNotCached signals that a required reference descriptor is missing
// or stale. Callers block the dependent step and direct the user to
// refresh the cache instead of attempting a doomed match.
var ErrNotCached = errors.New("reference descriptor not cached")

// Extractor produces face descriptors from a source image URL. One
// image may contain several faces (classroom reference photos).
type Extractor interface {
	Extract(ctx context.Context, imageURL string) ([]Descriptor, error)
}

// FaceExtractor adapts the face service client to Extractor.
type FaceExtractor struct {
	Client *faceclient.Client
}

// Extract runs detection + embedding on one image.
func (e FaceExtractor) Extract(ctx context.Context, imageURL string) ([]Descriptor, error) {
	res, err := e.Client.DetectURL(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(res.Faces))
	for _, f := range res.Faces {
		out = append(out, Descriptor(f.Descriptor))
	}
	return out, nil
}

// Cache is the descriptor cache service: status checks, rebuilds, and
// reference lookups over a Store.
type Cache struct {
	store   Store
	extract Extractor
}

// NewCache creates a cache over the given store and extractor.
func NewCache(store Store, extract Extractor) *Cache {
	return &Cache{store: store, extract: extract}
}

// Status reports whether the entry for key must be recomputed: true
// when no entry exists or its fingerprint no longer matches the
// current source content.
func (c *Cache) Status(ctx context.Context, key, currentFingerprint string) (bool, error) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return true, nil
	}
	return entry.SourceFingerprint != currentFingerprint, nil
}

// UpdateProfile recomputes the descriptor for a user's profile photo.
// Zero faces clears any existing entry (nothing to cache, not an
// error). An extraction failure leaves the prior entry untouched.
func (c *Cache) UpdateProfile(ctx context.Context, userID, photoURL string) error {
	key := ProfileKey(userID)
	if photoURL == "" {
		return c.store.Clear(ctx, key)
	}
	descriptors, err := c.extract.Extract(ctx, photoURL)
	if err != nil {
		return fmt.Errorf("extract profile descriptor: %w", err)
	}
	if len(descriptors) == 0 {
		return c.store.Clear(ctx, key)
	}
	// A profile photo should hold one face; keep only the first.
	return c.store.Put(ctx, Entry{
		Key:               key,
		Descriptors:       descriptors[:1],
		SourceFingerprint: ProfileFingerprint(photoURL),
		CreatedAt:         time.Now().UTC(),
	})
}

// UpdateClassroom recomputes the descriptor set for a department's
// embedded classroom photos. Each failing photo is skipped and logged
// so one bad image cannot block caching for the rest; the fingerprint
// always covers the full source set. Returns the URLs that were
// skipped.
func (c *Cache) UpdateClassroom(ctx context.Context, departmentID string, photoURLs []string) ([]string, error) {
	key := ClassroomKey(departmentID)
	if len(photoURLs) == 0 {
		return nil, c.store.Clear(ctx, key)
	}

	var descriptors []Descriptor
	var skipped []string
	for _, u := range photoURLs {
		ds, err := c.extract.Extract(ctx, u)
		if err != nil {
			log.Printf("classroom photo %s skipped: %v", u, err)
			skipped = append(skipped, u)
			continue
		}
		descriptors = append(descriptors, ds...)
	}

	if len(skipped) == len(photoURLs) {
		// Every photo failed; keep whatever was cached before.
		return skipped, fmt.Errorf("all %d classroom photos failed extraction", len(photoURLs))
	}
	if len(descriptors) == 0 {
		// Photos reachable but no faces found anywhere.
		return skipped, c.store.Clear(ctx, key)
	}
	return skipped, c.store.Put(ctx, Entry{
		Key:               key,
		Descriptors:       descriptors,
		SourceFingerprint: ClassroomFingerprint(photoURLs),
		CreatedAt:         time.Now().UTC(),
	})
}

// Reference returns the cached descriptors for key, or ErrNotCached.
func (c *Cache) Reference(ctx context.Context, key string) ([]Descriptor, error) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil || len(entry.Descriptors) == 0 {
		return nil, ErrNotCached
	}
	return entry.Descriptors, nil
}

// Fresh returns the cached descriptors only when the entry matches the
// given fingerprint; a stale entry reports ErrNotCached.
func (c *Cache) Fresh(ctx context.Context, key, currentFingerprint string) ([]Descriptor, error) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil || len(entry.Descriptors) == 0 || entry.SourceFingerprint != currentFingerprint {
		return nil, ErrNotCached
	}
	return entry.Descriptors, nil
}
