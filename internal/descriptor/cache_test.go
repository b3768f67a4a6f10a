package descriptor

import (
	"context"
	"errors"
	"testing"
)

// fakeExtractor maps image URLs to descriptor sets or errors.
type fakeExtractor struct {
	faces map[string][]Descriptor
	errs  map[string]error
	calls int
}

func (f *fakeExtractor) Extract(_ context.Context, url string) ([]Descriptor, error) {
	f.calls++
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	return f.faces[url], nil
}

func newTestCache(ext *fakeExtractor) *Cache {
	return NewCache(NewMemoryStore(), ext)
}

func TestStatusAfterUpdate(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{faces: map[string][]Descriptor{"photo-v1": {unit(0)}}}
	cache := newTestCache(ext)

	if err := cache.UpdateProfile(ctx, "u1", "photo-v1"); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	needs, err := cache.Status(ctx, ProfileKey("u1"), ProfileFingerprint("photo-v1"))
	if err != nil {
		t.Fatal(err)
	}
	if needs {
		t.Error("fresh entry should not need an update")
	}

	// New upload means a new URL, hence a new fingerprint.
	needs, err = cache.Status(ctx, ProfileKey("u1"), ProfileFingerprint("photo-v2"))
	if err != nil {
		t.Fatal(err)
	}
	if !needs {
		t.Error("changed source must invalidate the entry")
	}
}

func TestStatusMissingEntry(t *testing.T) {
	cache := newTestCache(&fakeExtractor{})
	needs, err := cache.Status(context.Background(), ProfileKey("nobody"), "fp")
	if err != nil {
		t.Fatal(err)
	}
	if !needs {
		t.Error("missing entry should need an update")
	}
}

func TestUpdateProfileZeroFacesClears(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{faces: map[string][]Descriptor{"good": {unit(0)}, "empty": nil}}
	cache := newTestCache(ext)

	if err := cache.UpdateProfile(ctx, "u1", "good"); err != nil {
		t.Fatal(err)
	}
	if err := cache.UpdateProfile(ctx, "u1", "empty"); err != nil {
		t.Fatalf("zero faces is not an error: %v", err)
	}
	if _, err := cache.Reference(ctx, ProfileKey("u1")); !errors.Is(err, ErrNotCached) {
		t.Errorf("entry should be cleared, got %v", err)
	}
}

func TestUpdateProfileErrorKeepsPriorEntry(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{
		faces: map[string][]Descriptor{"good": {unit(0)}},
		errs:  map[string]error{"broken": errors.New("fetch failed")},
	}
	cache := newTestCache(ext)

	if err := cache.UpdateProfile(ctx, "u1", "good"); err != nil {
		t.Fatal(err)
	}
	if err := cache.UpdateProfile(ctx, "u1", "broken"); err == nil {
		t.Fatal("expected extraction error")
	}
	refs, err := cache.Reference(ctx, ProfileKey("u1"))
	if err != nil {
		t.Fatalf("prior entry should survive a failed update: %v", err)
	}
	if len(refs) != 1 {
		t.Errorf("expected 1 descriptor, got %d", len(refs))
	}
}

func TestUpdateClassroomPartialFailure(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{
		faces: map[string][]Descriptor{
			"p1": {unit(0)},
			"p2": {unit(1), unit(2)}, // two faces in one photo
			"p3": {unit(3)},
			"p4": {unit(4)},
		},
		errs: map[string]error{"p5": errors.New("unreachable")},
	}
	cache := newTestCache(ext)

	urls := []string{"p1", "p2", "p3", "p4", "p5"}
	skipped, err := cache.UpdateClassroom(ctx, "d1", urls)
	if err != nil {
		t.Fatalf("one bad photo must not fail the rebuild: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "p5" {
		t.Errorf("expected p5 skipped, got %v", skipped)
	}

	refs, err := cache.Reference(ctx, ClassroomKey("d1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 5 {
		t.Errorf("expected 5 flattened descriptors, got %d", len(refs))
	}

	// Fingerprint covers the full source set, including the skipped URL.
	needs, err := cache.Status(ctx, ClassroomKey("d1"), ClassroomFingerprint(urls))
	if err != nil {
		t.Fatal(err)
	}
	if needs {
		t.Error("entry should be fresh for the full source set")
	}

	// Removing one embedded photo invalidates.
	needs, _ = cache.Status(ctx, ClassroomKey("d1"), ClassroomFingerprint(urls[:4]))
	if !needs {
		t.Error("reduced source set must invalidate the entry")
	}
}

func TestUpdateClassroomAllFailedKeepsPrior(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{
		faces: map[string][]Descriptor{"p1": {unit(0)}},
		errs:  map[string]error{"down": errors.New("unreachable")},
	}
	cache := newTestCache(ext)

	if _, err := cache.UpdateClassroom(ctx, "d1", []string{"p1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.UpdateClassroom(ctx, "d1", []string{"down"}); err == nil {
		t.Fatal("expected error when every photo fails")
	}
	if _, err := cache.Reference(ctx, ClassroomKey("d1")); err != nil {
		t.Errorf("prior entry should survive: %v", err)
	}
}

func TestUpdateClassroomNoSourcesClears(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{faces: map[string][]Descriptor{"p1": {unit(0)}}}
	cache := newTestCache(ext)

	if _, err := cache.UpdateClassroom(ctx, "d1", []string{"p1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.UpdateClassroom(ctx, "d1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Reference(ctx, ClassroomKey("d1")); !errors.Is(err, ErrNotCached) {
		t.Errorf("entry should be cleared when no source photos remain, got %v", err)
	}
}

func TestFreshRejectsStale(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{faces: map[string][]Descriptor{"photo-v1": {unit(0)}}}
	cache := newTestCache(ext)

	if err := cache.UpdateProfile(ctx, "u1", "photo-v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Fresh(ctx, ProfileKey("u1"), ProfileFingerprint("photo-v1")); err != nil {
		t.Fatalf("fresh entry rejected: %v", err)
	}
	if _, err := cache.Fresh(ctx, ProfileKey("u1"), ProfileFingerprint("photo-v2")); !errors.Is(err, ErrNotCached) {
		t.Errorf("stale entry should report ErrNotCached, got %v", err)
	}
}
