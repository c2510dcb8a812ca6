package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// resultsCmd represents the results command
var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Fetch fused transcripts",
	Long:  `Commands for retrieving the fused, speaker-attributed transcript of a completed job.`,
}

// resultsGetCmd represents the results get command
var resultsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Get a job's fused transcript",
	Long:  `Retrieve the fused transcript for a completed job. Jobs still in flight report a conflict.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResultsGet,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsGetCmd)
}

type fusedSegmentResponse struct {
	Start          float64  `json:"start" yaml:"start"`
	End            float64  `json:"end" yaml:"end"`
	SpeakerLabel   string   `json:"speaker_label,omitempty" yaml:"speaker_label,omitempty"`
	Text           string   `json:"text" yaml:"text"`
	Source         string   `json:"source" yaml:"source"`
	AudioText      string   `json:"audio_text,omitempty" yaml:"audio_text,omitempty"`
	VisualText     string   `json:"visual_text,omitempty" yaml:"visual_text,omitempty"`
	FaceConfidence *float64 `json:"face_confidence,omitempty" yaml:"face_confidence,omitempty"`
}

type resultResponse struct {
	JobID    string                 `json:"job_id" yaml:"job_id"`
	Segments []fusedSegmentResponse `json:"segments" yaml:"segments"`
	Metadata struct {
		TotalSegments    int      `json:"total_segments" yaml:"total_segments"`
		SpeakersDetected int      `json:"speakers_detected" yaml:"speakers_detected"`
		FacesTracked     int      `json:"faces_tracked" yaml:"faces_tracked"`
		ModalitiesUsed   []string `json:"modalities_used" yaml:"modalities_used"`
	} `json:"metadata" yaml:"metadata"`
}

func runResultsGet(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	resp, err := HTTPClient().Get(ServerURL() + "/api/v1/jobs/" + jobID + "/result")
	if err != nil {
		return fmt.Errorf("failed to connect to pipeline API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return fmt.Errorf("job %s is still processing, try again later", jobID)
	case http.StatusNotFound:
		return fmt.Errorf("job %s not found", jobID)
	default:
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result resultResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	switch outputFormat {
	case "json":
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	case "yaml":
		output, err := yaml.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Print(string(output))
	default:
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Start", "End", "Speaker", "Source", "Text")
		for _, seg := range result.Segments {
			table.Append(
				fmt.Sprintf("%.2f", seg.Start),
				fmt.Sprintf("%.2f", seg.End),
				seg.SpeakerLabel,
				seg.Source,
				seg.Text,
			)
		}
		table.Render()
		fmt.Printf("\n%d segment(s), %d speaker(s), modalities: %v\n",
			result.Metadata.TotalSegments,
			result.Metadata.SpeakersDetected,
			result.Metadata.ModalitiesUsed)
	}
	return nil
}
