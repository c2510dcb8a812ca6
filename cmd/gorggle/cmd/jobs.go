package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	// Job ingest flags
	ingestBucket string
	ingestKey    string

	// Job status flags
	statusFilter string
	followStatus bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage caption jobs",
	Long:  `Commands for submitting uploads and inspecting caption jobs in the pipeline.`,
}

// jobsIngestCmd represents the jobs ingest command
var jobsIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Register an uploaded clip as a job",
	Long:  `Register an uploaded clip with the pipeline, as if its upload notification had fired.`,
	RunE:  runJobsIngest,
}

// jobsListCmd represents the jobs list command
var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long:  `List all jobs, optionally filtered by status.`,
	RunE:  runJobsList,
}

// jobsStatusCmd represents the jobs status command
var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Long:  `Retrieve the status of a specific job, including its per-modality branches.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsIngestCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsIngestCmd.Flags().StringVar(&ingestBucket, "bucket", "", "bucket holding the uploaded clip (required)")
	jobsIngestCmd.Flags().StringVar(&ingestKey, "key", "", "object key of the uploaded clip (required)")
	jobsIngestCmd.MarkFlagRequired("bucket")
	jobsIngestCmd.MarkFlagRequired("key")

	jobsListCmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (created, preparing, processing, fusing, completed, failed)")
	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until it reaches a terminal state")
}

type branchResponse struct {
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	ExternalHandle string     `json:"external_handle,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

type jobResponse struct {
	ID          string                    `json:"id"`
	Bucket      string                    `json:"bucket"`
	Key         string                    `json:"key"`
	Status      string                    `json:"status"`
	Branches    map[string]branchResponse `json:"branches,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

func runJobsIngest(cmd *cobra.Command, args []string) error {
	reqBody, err := json.Marshal(map[string]string{
		"bucket": ingestBucket,
		"key":    ingestKey,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := HTTPClient().Post(ServerURL()+"/api/v1/ingest", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to connect to pipeline API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var job jobResponse
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Key", job.Key)
	table.Append("Status", job.Status)
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	table.Render()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("\nClip was already registered, returning the existing job.")
	} else {
		fmt.Printf("\nJob %s registered.\n", job.ID)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	url := ServerURL() + "/api/v1/jobs"
	if statusFilter != "" {
		url += "?status=" + statusFilter
	}

	var jobs []jobResponse
	if err := getJSON(url, &jobs); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Status", "Created", "Error")
	for _, job := range jobs {
		table.Append(job.ID, job.Status, job.CreatedAt.Format(time.RFC3339), job.Error)
	}
	table.Render()
	fmt.Printf("\n%d job(s)\n", len(jobs))
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	if followStatus {
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", jobID)
		for {
			job, err := fetchJob(jobID)
			if err != nil {
				return err
			}
			fmt.Print("\033[H\033[2J") // Clear screen
			displayJob(job)
			if job.Status == "completed" || job.Status == "failed" {
				break
			}
			time.Sleep(2 * time.Second)
		}
		return nil
	}

	job, err := fetchJob(jobID)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		output, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}
	displayJob(job)
	return nil
}

func fetchJob(jobID string) (*jobResponse, error) {
	var job jobResponse
	if err := getJSON(ServerURL()+"/api/v1/jobs/"+jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func displayJob(job *jobResponse) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Status", job.Status)
	table.Append("Key", job.Key)
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		table.Append("Completed At", job.CompletedAt.Format(time.RFC3339))
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	table.Render()

	if len(job.Branches) > 0 {
		fmt.Println()
		branches := tablewriter.NewWriter(os.Stdout)
		branches.Header("Modality", "Status", "Attempts", "Error")
		for _, kind := range []string{"audio", "face", "visual"} {
			if b, ok := job.Branches[kind]; ok {
				branches.Append(kind, b.Status, fmt.Sprintf("%d", b.Attempts), b.LastError)
			}
		}
		branches.Render()
	}
}

func getJSON(url string, out interface{}) error {
	resp, err := HTTPClient().Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to pipeline API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
