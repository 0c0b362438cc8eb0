package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/pkg/logger"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and manage jobs on the drmfetch server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ensureServer()
	},
}

// apiCall sends a JSON request to the server and decodes a 2xx response into out
func apiCall(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

var jobsAddCmd = &cobra.Command{
	Use:   "add [manifest-url]",
	Short: "Submit a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := jobRequestFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		var job domain.DownloadJob
		if err := apiCall(http.MethodPost, "/api/v1/jobs", req, &job); err != nil {
			return err
		}
		fmt.Printf("Job added successfully!\n")
		fmt.Printf("ID:    %s\n", job.ID)
		fmt.Printf("State: %s\n", job.State)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			return watchJob(job.ID)
		}
		return nil
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/jobs"
		if state, _ := cmd.Flags().GetString("state"); state != "" {
			path += "?state=" + url.QueryEscape(state)
		}

		var jobs []*domain.DownloadJob
		if err := apiCall(http.MethodGet, path, nil, &jobs); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMANIFEST\tTYPE\tSTATE\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				truncate(j.ID, 8),
				truncate(j.ManifestURL, 50),
				j.ManifestType,
				statusColor(string(j.State)),
				j.CreatedAt.Format(time.DateTime))
		}
		return w.Flush()
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats domain.JobStats
		if err := apiCall(http.MethodGet, "/api/v1/jobs/stats", nil, &stats); err != nil {
			return err
		}

		fmt.Println("Job Statistics:")
		fmt.Printf("  Total:     %d\n", stats.Total)
		fmt.Printf("  Active:    %d\n", stats.Active)
		fmt.Printf("  Completed: %d\n", stats.Completed)
		fmt.Printf("  Failed:    %d\n", stats.Failed)
		fmt.Printf("  Cancelled: %d\n", stats.Cancelled)
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get job details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job domain.DownloadJob
		if err := apiCall(http.MethodGet, "/api/v1/jobs/"+args[0], nil, &job); err != nil {
			return err
		}

		fmt.Printf("Job Details:\n")
		fmt.Printf("  ID:       %s\n", job.ID)
		fmt.Printf("  Manifest: %s\n", job.ManifestURL)
		fmt.Printf("  Type:     %s\n", job.ManifestType)
		fmt.Printf("  State:    %s\n", statusColor(string(job.State)))
		fmt.Printf("  Backend:  %s\n", job.Backend)
		fmt.Printf("  Created:  %s\n", job.CreatedAt.Format(time.DateTime))
		if job.ErrorMessage != "" {
			fmt.Printf("  Error:    %s\n", color.RedString(job.ErrorMessage))
		}
		printResult(job.Result)
		return nil
	},
}

var jobsStreamsCmd = &cobra.Command{
	Use:   "streams [id]",
	Short: "List the parsed streams of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var streams []*domain.Stream
		if err := apiCall(http.MethodGet, "/api/v1/jobs/"+args[0]+"/streams", nil, &streams); err != nil {
			return err
		}
		printStreams(streams)
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(http.MethodPost, "/api/v1/jobs/"+args[0]+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Println("Job cancellation requested")
		return nil
	},
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs [id]",
	Short: "View job logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Entries []logger.LogEntry `json:"entries"`
		}
		if err := apiCall(http.MethodGet, "/api/v1/jobs/"+args[0]+"/logs", nil, &resp); err != nil {
			return err
		}

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			prettyJSON, _ := json.MarshalIndent(resp.Entries, "", "  ")
			fmt.Println(string(prettyJSON))
			return nil
		}

		for _, e := range resp.Entries {
			line := fmt.Sprintf("%s  %-5s  %s", e.Timestamp, strings.ToUpper(e.Level), e.Message)
			if status, ok := e.Fields["status"].(string); ok {
				line += "  " + statusColor(status)
			}
			if errMsg, ok := e.Fields["error"].(string); ok {
				line += "  " + color.RedString(errMsg)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Follow job progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchJob(args[0])
	},
}

// watchJob prints progress events from the job's WebSocket
func watchJob(id string) error {
	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/api/v1/jobs/" + id + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("job %s not found", id)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	progress := printProgress(zap.NewNop())
	for {
		var msg struct {
			Type  string               `json:"type"`
			Event domain.ProgressEvent `json:"event"`
			Job   *domain.DownloadJob  `json:"job"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		switch msg.Type {
		case "progress":
			progress(msg.Event)
		case "job":
			if msg.Job != nil {
				printResult(msg.Job.Result)
			}
		}
	}
}

func init() {
	addJobFlags(jobsAddCmd)
	jobsAddCmd.Flags().BoolP("watch", "w", false, "Follow progress after submitting")
	jobsListCmd.Flags().StringP("state", "s", "", "Filter by state")
	jobsLogsCmd.Flags().BoolP("json", "j", false, "Output in JSON format")

	jobsCmd.AddCommand(jobsAddCmd, jobsListCmd, jobsStatsCmd, jobsGetCmd,
		jobsStreamsCmd, jobsCancelCmd, jobsLogsCmd, jobsWatchCmd)
}
