// Package main is forgectl, a command line client for the RenderForge API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	client    *apiClient
)

var rootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "Manage RenderForge rendering jobs",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if serverURL == "" {
			serverURL = os.Getenv("RENDERFORGE_URL")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		client = newAPIClient(serverURL)
	},
}

var submitWait bool

var submitCmd = &cobra.Command{
	Use:   "submit <prompt>",
	Short: "Generate and render a scene from a prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := client.submit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("submitted %s\n", job.ID)
		if !submitWait {
			return nil
		}
		return waitForJob(cmd.Context(), job.ID)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Print a job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := client.get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := client.list(cmd.Context())
		if err != nil {
			return err
		}
		if listJSON {
			b, _ := json.MarshalIndent(jobs, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		for _, j := range jobs {
			errMsg := ""
			if j.ErrorMessage != nil {
				errMsg = *j.ErrorMessage
			}
			fmt.Printf("%s  %-8s  %3d%%  attempts=%d  %q  %s\n",
				j.ID, j.Status, j.Progress, j.AttemptsMade, truncate(j.Prompt, 40), errMsg)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print a job's archived render output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := client.output(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%s  [%s]  %s\n", ev.Timestamp, ev.Type, ev.Data)
		}
		return nil
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <job-id>",
	Short: "Re-run a failed job with corrected scene code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := client.regenerate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("submitted %s (regeneration %d of %s)\n",
			job.ID, job.RegenerationCount, orEmpty(job.OriginalJobID))
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <job-id>",
	Short: "Force-kill a job and tear down its sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := client.kill(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("killed %s\n", job.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job, its output archive, and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

var downloadOut string

var downloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Download a finished job's video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := downloadOut
		if dest == "" {
			dest = args[0] + ".mp4"
		}
		if err := client.download(cmd.Context(), args[0], dest); err != nil {
			return err
		}
		fmt.Printf("saved %s\n", dest)
		return nil
	},
}

// waitForJob polls until the job reaches a terminal status.
func waitForJob(ctx context.Context, id string) error {
	for {
		job, err := client.get(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("\r%s  %3d%%", job.Status, job.Progress)
		if job.Status == "done" || job.Status == "error" {
			fmt.Println()
			printJob(job)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func printJob(j *jobView) {
	fmt.Printf("id:       %s\n", j.ID)
	fmt.Printf("prompt:   %s\n", j.Prompt)
	fmt.Printf("status:   %s\n", j.Status)
	fmt.Printf("progress: %d%%\n", j.Progress)
	fmt.Printf("attempts: %d\n", j.AttemptsMade)
	if j.VideoURL != nil {
		fmt.Printf("video:    %s%s\n", serverURL, *j.VideoURL)
	}
	if j.ErrorMessage != nil {
		fmt.Printf("error:    %s\n", *j.ErrorMessage)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orEmpty(s *string) string {
	if s == nil {
		return "?"
	}
	return *s
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "RenderForge server URL (default $RENDERFORGE_URL or http://localhost:8080)")

	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Poll until the job finishes")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "JSON output")
	downloadCmd.Flags().StringVarP(&downloadOut, "out", "o", "", "Destination file (default <job-id>.mp4)")

	rootCmd.AddCommand(submitCmd, statusCmd, listCmd, logsCmd, regenerateCmd, killCmd, deleteCmd, downloadCmd)
}
