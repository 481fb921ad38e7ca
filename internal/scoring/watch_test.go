package scoring

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const catalogV1 = `exercises:
  - exercise_id: back_squat
    version: 1
`

const catalogV2 = `exercises:
  - exercise_id: back_squat
    version: 2
  - exercise_id: front_squat
    version: 1
`

func TestCatalogReplace(t *testing.T) {
	c := NewCatalog(ReferenceStandard{ExerciseID: "a"})
	c.Replace(NewCatalog(ReferenceStandard{ExerciseID: "b"}, ReferenceStandard{ExerciseID: "c"}))

	if c.Exercises() != 2 {
		t.Errorf("Exercises() = %d, want 2", c.Exercises())
	}
	if _, err := c.Reference(context.Background(), "a"); !errors.Is(err, ErrReferenceNotFound) {
		t.Errorf("old standard still served, err = %v", err)
	}
}

func TestWatchCatalogReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "references.yaml")
	if err := os.WriteFile(path, []byte(catalogV1), 0o644); err != nil {
		t.Fatal(err)
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchCatalog(ctx, path, catalog, func(context.Context) { reloaded <- struct{}{} }, discardLogger())
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before the write.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(catalogV2), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reloaded")
	}
	if catalog.Exercises() != 2 {
		t.Errorf("Exercises() = %d, want 2", catalog.Exercises())
	}
	std, err := catalog.Reference(ctx, "back_squat")
	if err != nil || std.Version != 2 {
		t.Errorf("back_squat = %+v, %v", std, err)
	}
}

func TestWatchCatalogKeepsStandardsOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "references.yaml")
	if err := os.WriteFile(path, []byte(catalogV1), 0o644); err != nil {
		t.Fatal(err)
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchCatalog(ctx, path, catalog, func(context.Context) { reloaded <- struct{}{} }, discardLogger())
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("exercises: [ {rules: [{type: wobble}]"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Error("onReload called for an invalid catalog")
	case <-time.After(time.Second):
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("WatchCatalog() = %v", err)
	}
	if _, err := catalog.Reference(context.Background(), "back_squat"); err != nil {
		t.Errorf("previous standard lost: %v", err)
	}
}
