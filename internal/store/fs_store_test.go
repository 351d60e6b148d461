package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	return store, tempDir
}

// testCheckpoint creates a checkpoint with plausible run state.
func testCheckpoint(jobID string) *Checkpoint {
	return NewCheckpoint(jobID, []float64{1.5}, 2.25, 4.0, 0.05, 1e-4, 12, 6, validConfig())
}

func TestNewFSStore(t *testing.T) {
	tempDir := t.TempDir()

	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store == nil {
		t.Fatal("Expected non-nil store")
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}

	// A nested path that does not exist yet is created too.
	nested := filepath.Join(tempDir, "a", "b")
	if _, err := NewFSStore(nested); err != nil {
		t.Fatalf("NewFSStore with nested path failed: %v", err)
	}
	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Fatal("Nested base directory was not created")
	}
}

func TestSaveCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	ckpt := testCheckpoint("job-save")
	if err := store.SaveCheckpoint(ckpt.JobID, ckpt); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	path := filepath.Join(tempDir, "jobs", "job-save", "checkpoint.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Checkpoint file not created at %s", path)
	}

	// No temp file should be left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file was not cleaned up")
	}
}

func TestSaveCheckpoint_EmptyJobID(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("", testCheckpoint("x")); err == nil {
		t.Fatal("Expected error for empty job ID")
	}
}

func TestSaveCheckpoint_NilCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveCheckpoint("job-nil", nil); err == nil {
		t.Fatal("Expected error for nil checkpoint")
	}
}

func TestSaveCheckpoint_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	first := testCheckpoint("job-ow")
	first.Iteration = 5
	if err := store.SaveCheckpoint(first.JobID, first); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	second := testCheckpoint("job-ow")
	second.Iteration = 10
	second.Output = 1.0
	if err := store.SaveCheckpoint(second.JobID, second); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint("job-ow")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.Iteration != 10 {
		t.Errorf("Expected iteration 10 after overwrite, got %d", loaded.Iteration)
	}
	if loaded.Output != 1.0 {
		t.Errorf("Expected output 1.0 after overwrite, got %f", loaded.Output)
	}
}

func TestLoadCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t)

	original := testCheckpoint("job-load")
	if err := store.SaveCheckpoint(original.JobID, original); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint("job-load")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	if loaded.JobID != original.JobID {
		t.Errorf("JobID mismatch: expected %s, got %s", original.JobID, loaded.JobID)
	}
	if len(loaded.Mu) != len(original.Mu) || loaded.Mu[0] != original.Mu[0] {
		t.Errorf("Mu mismatch: expected %v, got %v", original.Mu, loaded.Mu)
	}
	if loaded.Radius != original.Radius {
		t.Errorf("Radius mismatch: expected %f, got %f", original.Radius, loaded.Radius)
	}
	if loaded.Config.Problem != original.Config.Problem {
		t.Errorf("Config.Problem mismatch: expected %s, got %s", original.Config.Problem, loaded.Config.Problem)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("Loaded checkpoint should validate: %v", err)
	}
}

func TestLoadCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadCheckpoint("no-such-job")
	if err == nil {
		t.Fatal("Expected error for missing checkpoint")
	}

	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("Expected *NotFoundError, got %T: %v", err, err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("Expected errors.Is(err, ErrNotFound) to hold")
	}
}

func TestLoadCheckpoint_EmptyJobID(t *testing.T) {
	store, _ := setupTestStore(t)

	if _, err := store.LoadCheckpoint(""); err == nil {
		t.Fatal("Expected error for empty job ID")
	}
}

func TestListCheckpoints_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected empty listing, got %d entries", len(infos))
	}
}

func TestListCheckpoints_Multiple(t *testing.T) {
	store, _ := setupTestStore(t)

	for i := 0; i < 3; i++ {
		jobID := fmt.Sprintf("job-%d", i)
		ckpt := testCheckpoint(jobID)
		ckpt.Iteration = i * 10
		if err := store.SaveCheckpoint(jobID, ckpt); err != nil {
			t.Fatalf("SaveCheckpoint(%s) failed: %v", jobID, err)
		}
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 checkpoints, got %d", len(infos))
	}

	seen := make(map[string]CheckpointInfo)
	for _, info := range infos {
		seen[info.JobID] = info
	}
	for i := 0; i < 3; i++ {
		jobID := fmt.Sprintf("job-%d", i)
		info, ok := seen[jobID]
		if !ok {
			t.Errorf("Missing checkpoint for %s", jobID)
			continue
		}
		if info.Iteration != i*10 {
			t.Errorf("%s: expected iteration %d, got %d", jobID, i*10, info.Iteration)
		}
		if info.Problem != ProblemMSD {
			t.Errorf("%s: expected problem %s, got %s", jobID, ProblemMSD, info.Problem)
		}
	}
}

func TestListCheckpoints_SkipsInvalidDirectories(t *testing.T) {
	store, tempDir := setupTestStore(t)

	ckpt := testCheckpoint("job-good")
	if err := store.SaveCheckpoint(ckpt.JobID, ckpt); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// A job directory without a checkpoint file is skipped.
	if err := os.MkdirAll(filepath.Join(tempDir, "jobs", "job-empty"), 0755); err != nil {
		t.Fatalf("Failed to create empty job dir: %v", err)
	}

	// A corrupted checkpoint is skipped with a warning, not a failure.
	badDir := filepath.Join(tempDir, "jobs", "job-bad")
	if err := os.MkdirAll(badDir, 0755); err != nil {
		t.Fatalf("Failed to create bad job dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "checkpoint.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write corrupted checkpoint: %v", err)
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("Expected 1 checkpoint, got %d", len(infos))
	}
	if infos[0].JobID != "job-good" {
		t.Errorf("Expected job-good, got %s", infos[0].JobID)
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	store, tempDir := setupTestStore(t)

	ckpt := testCheckpoint("job-del")
	if err := store.SaveCheckpoint(ckpt.JobID, ckpt); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	if err := store.DeleteCheckpoint("job-del"); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}

	// The whole job directory goes, trace included.
	if _, err := os.Stat(filepath.Join(tempDir, "jobs", "job-del")); !os.IsNotExist(err) {
		t.Error("Job directory still exists after delete")
	}

	if _, err := store.LoadCheckpoint("job-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteCheckpoint_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.DeleteCheckpoint("no-such-job")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteCheckpoint_EmptyJobID(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.DeleteCheckpoint(""); err == nil {
		t.Fatal("Expected error for empty job ID")
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobID := fmt.Sprintf("job-%d", i)
			if err := store.SaveCheckpoint(jobID, testCheckpoint(jobID)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent save failed: %v", err)
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 10 {
		t.Errorf("Expected 10 checkpoints, got %d", len(infos))
	}
}
