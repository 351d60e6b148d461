package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		// List all jobs
		url := fmt.Sprintf("%s/api/v1/jobs", serverURL)
		return listJobs(url)
	}
	// Get specific job status
	jobID := args[0]
	url := fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID)
	return getJobStatus(url, jobID)
}

func listJobs(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var jobs []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Printf("Job ID: %s\n", job["id"])
		fmt.Printf("  State: %s\n", job["state"])
		if config, ok := job["config"].(map[string]any); ok {
			fmt.Printf("  Problem: %v\n", config["problem"])
		}
		if iters, ok := job["iterations"].(float64); ok && iters > 0 {
			fmt.Printf("  Iterations: %.0f\n", iters)
		}
		if output, ok := job["output"].(float64); ok && output != 0 {
			fmt.Printf("  Output: %.6g\n", output)
		}
		fmt.Println()
	}

	return nil
}

func getJobStatus(url, jobID string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	// Display status
	fmt.Printf("Job: %s\n", status["id"])
	fmt.Printf("State: %s\n", status["state"])
	fmt.Println()

	if config, ok := status["config"].(map[string]any); ok {
		fmt.Println("Configuration:")
		fmt.Printf("  Problem: %v\n", config["problem"])
		fmt.Printf("  Size: %v\n", config["size"])
		fmt.Printf("  Radius: %v\n", config["radius"])
		fmt.Printf("  MaxIter: %v\n", config["maxIter"])
		fmt.Println()
	}

	fmt.Println("Progress:")
	if iters, ok := status["iterations"].(float64); ok {
		fmt.Printf("  Iterations: %.0f\n", iters)
	}
	if output, ok := status["output"].(float64); ok {
		fmt.Printf("  Output: %.8g\n", output)
	}
	if initial, ok := status["initialOutput"].(float64); ok && initial != 0 {
		if output, ok := status["output"].(float64); ok {
			fmt.Printf("  Improvement: %.8g\n", initial-output)
		}
	}
	if foc, ok := status["foc"].(float64); ok {
		fmt.Printf("  Criticality: %.3g\n", foc)
	}
	if radius, ok := status["radius"].(float64); ok {
		fmt.Printf("  Radius: %.3g\n", radius)
	}
	if basis, ok := status["basisSize"].(float64); ok {
		fmt.Printf("  Basis size: %.0f\n", basis)
	}
	if solves, ok := status["solves"].(float64); ok {
		fmt.Printf("  Full solves: %.0f\n", solves)
	}

	if elapsed, ok := status["elapsed"].(float64); ok {
		fmt.Printf("  Elapsed: %s\n", time.Duration(elapsed*float64(time.Second)).Round(time.Millisecond))
	}

	if errMsg, ok := status["error"].(string); ok && errMsg != "" {
		fmt.Printf("\nError: %s\n", errMsg)
	}

	return nil
}
