package store

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func validConfig() JobConfig {
	return JobConfig{
		Problem: ProblemMSD,
		Size:    20,
		Radius:  0.1,
		MaxIter: 100,
	}
}

func validCheckpoint() *Checkpoint {
	return NewCheckpoint("job-1", []float64{1.5}, 2.25, 4.0, 0.05, 1e-4, 7, 5, validConfig())
}

func TestCheckpoint_JSONRoundTrip(t *testing.T) {
	original := validCheckpoint()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Failed to marshal checkpoint: %v", err)
	}

	var restored Checkpoint
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Failed to unmarshal checkpoint: %v", err)
	}

	if restored.JobID != original.JobID {
		t.Errorf("JobID mismatch: expected %s, got %s", original.JobID, restored.JobID)
	}
	if len(restored.Mu) != len(original.Mu) || restored.Mu[0] != original.Mu[0] {
		t.Errorf("Mu mismatch: expected %v, got %v", original.Mu, restored.Mu)
	}
	if restored.Output != original.Output {
		t.Errorf("Output mismatch: expected %f, got %f", original.Output, restored.Output)
	}
	if restored.Radius != original.Radius {
		t.Errorf("Radius mismatch: expected %f, got %f", original.Radius, restored.Radius)
	}
	if restored.Iteration != original.Iteration {
		t.Errorf("Iteration mismatch: expected %d, got %d", original.Iteration, restored.Iteration)
	}
	if restored.BasisSize != original.BasisSize {
		t.Errorf("BasisSize mismatch: expected %d, got %d", original.BasisSize, restored.BasisSize)
	}
	if restored.Config.Problem != original.Config.Problem {
		t.Errorf("Config.Problem mismatch: expected %s, got %s", original.Config.Problem, restored.Config.Problem)
	}
	if restored.Config.Size != original.Config.Size {
		t.Errorf("Config.Size mismatch: expected %d, got %d", original.Config.Size, restored.Config.Size)
	}
}

func TestCheckpoint_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(validCheckpoint())
	if err != nil {
		t.Fatalf("Failed to marshal checkpoint: %v", err)
	}
	for _, key := range []string{`"jobId"`, `"mu"`, `"output"`, `"radius"`, `"foc"`, `"basisSize"`, `"config"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("Expected serialized checkpoint to contain %s", key)
		}
	}
}

func TestNewCheckpoint_CopiesMu(t *testing.T) {
	mu := []float64{1, 2}
	config := JobConfig{Problem: ProblemThermal, BlocksX: 2, BlocksY: 1, Radius: 0.1, MaxIter: 10}
	ckpt := NewCheckpoint("job-1", mu, 1, 2, 0.1, 0, 0, 2, config)

	mu[0] = 99
	if ckpt.Mu[0] == 99 {
		t.Error("NewCheckpoint should copy the parameter slice")
	}
	if ckpt.Timestamp.IsZero() {
		t.Error("NewCheckpoint should stamp the current time")
	}
}

func TestCheckpoint_Validate_Valid(t *testing.T) {
	if err := validCheckpoint().Validate(); err != nil {
		t.Errorf("Expected valid checkpoint, got: %v", err)
	}
}

func TestCheckpoint_Validate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Checkpoint)
		field  string
	}{
		{"empty job id", func(c *Checkpoint) { c.JobID = "" }, "JobID"},
		{"nil mu", func(c *Checkpoint) { c.Mu = nil }, "Mu"},
		{"empty mu", func(c *Checkpoint) { c.Mu = []float64{} }, "Mu"},
		{"nan mu", func(c *Checkpoint) { c.Mu = []float64{math.NaN()} }, "Mu"},
		{"inf output", func(c *Checkpoint) { c.Output = math.Inf(1) }, "Output"},
		{"zero radius", func(c *Checkpoint) { c.Radius = 0 }, "Radius"},
		{"negative radius", func(c *Checkpoint) { c.Radius = -0.1 }, "Radius"},
		{"negative foc", func(c *Checkpoint) { c.FOC = -1 }, "FOC"},
		{"negative iteration", func(c *Checkpoint) { c.Iteration = -1 }, "Iteration"},
		{"negative basis size", func(c *Checkpoint) { c.BasisSize = -1 }, "BasisSize"},
		{"zero timestamp", func(c *Checkpoint) { c.Timestamp = time.Time{} }, "Timestamp"},
		{"empty problem", func(c *Checkpoint) { c.Config.Problem = "" }, "Config.Problem"},
		{"zero max iter", func(c *Checkpoint) { c.Config.MaxIter = 0 }, "Config.MaxIter"},
		{"dimension mismatch", func(c *Checkpoint) { c.Mu = []float64{1, 2} }, "Mu"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ckpt := validCheckpoint()
			tc.mutate(ckpt)
			err := ckpt.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected *ValidationError, got %T", err)
			}
			if verr.Field != tc.field {
				t.Errorf("Expected error on field %s, got %s", tc.field, verr.Field)
			}
		})
	}
}

func TestCheckpoint_IsCompatible(t *testing.T) {
	ckpt := validCheckpoint()

	if err := ckpt.IsCompatible(validConfig()); err != nil {
		t.Errorf("Expected compatible config, got: %v", err)
	}

	// Budget and radius changes do not invalidate a checkpoint.
	relaxed := validConfig()
	relaxed.MaxIter = 500
	relaxed.Radius = 1.0
	if err := ckpt.IsCompatible(relaxed); err != nil {
		t.Errorf("Budget changes should be compatible, got: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(c *JobConfig)
		field  string
	}{
		{"different problem", func(c *JobConfig) { c.Problem = ProblemThermal }, "Problem"},
		{"different size", func(c *JobConfig) { c.Size = 40 }, "Size"},
		{"different blocks", func(c *JobConfig) { c.BlocksX = 3 }, "Blocks"},
		{"different penalty", func(c *JobConfig) { c.PenaltyWeight = 0.5 }, "PenaltyWeight"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := validConfig()
			tc.mutate(&config)
			err := ckpt.IsCompatible(config)
			if err == nil {
				t.Fatal("Expected compatibility error")
			}
			var cerr *CompatibilityError
			if !errors.As(err, &cerr) {
				t.Fatalf("Expected *CompatibilityError, got %T", err)
			}
			if cerr.Field != tc.field {
				t.Errorf("Expected error on field %s, got %s", tc.field, cerr.Field)
			}
		})
	}
}

func TestJobConfig_ParamDim(t *testing.T) {
	cases := []struct {
		config JobConfig
		want   int
	}{
		{JobConfig{Problem: ProblemMSD, Size: 20}, 1},
		{JobConfig{Problem: ProblemThermal, BlocksX: 2, BlocksY: 3}, 6},
		{JobConfig{Problem: "unknown"}, 0},
	}
	for _, tc := range cases {
		if got := tc.config.ParamDim(); got != tc.want {
			t.Errorf("ParamDim(%s) = %d, want %d", tc.config.Problem, got, tc.want)
		}
	}
}

func TestCheckpoint_ToInfo(t *testing.T) {
	ckpt := validCheckpoint()
	info := ckpt.ToInfo()

	if info.JobID != ckpt.JobID {
		t.Errorf("JobID mismatch: expected %s, got %s", ckpt.JobID, info.JobID)
	}
	if info.Output != ckpt.Output {
		t.Errorf("Output mismatch: expected %f, got %f", ckpt.Output, info.Output)
	}
	if info.Iteration != ckpt.Iteration {
		t.Errorf("Iteration mismatch: expected %d, got %d", ckpt.Iteration, info.Iteration)
	}
	if info.BasisSize != ckpt.BasisSize {
		t.Errorf("BasisSize mismatch: expected %d, got %d", ckpt.BasisSize, info.BasisSize)
	}
	if info.Problem != ckpt.Config.Problem {
		t.Errorf("Problem mismatch: expected %s, got %s", ckpt.Config.Problem, info.Problem)
	}
	if info.Dim != len(ckpt.Mu) {
		t.Errorf("Dim mismatch: expected %d, got %d", len(ckpt.Mu), info.Dim)
	}
}
