package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yourusername/bili-extract-go/internal/domain"
	"github.com/yourusername/bili-extract-go/pkg/logger"
)

var (
	serverURL   string
	configPath  string
	noAutoStart bool
	rootCmd     = &cobra.Command{
		Use:           "bili-extract",
		Short:         "bili-extract - Bilibili video downloader",
		Long:          `Downloads Bilibili videos as separate video and audio streams and muxes them into one MP4.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8091", "Server URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Don't auto-start server if not running")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(logsCmd)
}

// ensureServer checks if server is running and starts it if needed (unless --no-auto-start)
func ensureServer() {
	if noAutoStart {
		return
	}
	if err := ensureServerRunning(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

var addCmd = &cobra.Command{
	Use:   "add [input]",
	Short: "Add a download to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var download domain.Download
		status, err := callAPI(http.MethodPost, "/api/v1/downloads", map[string]string{"input": args[0]}, &download)
		if err != nil {
			return err
		}

		if status == http.StatusCreated {
			fmt.Println("Download added successfully!")
		} else {
			fmt.Println("Already in the queue")
		}
		fmt.Printf("ID: %s\n", download.ID)
		fmt.Printf("Status: %s\n", download.Status)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			return watchDownload(cmd.Context(), download.ID, cmd.OutOrStdout())
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		query := url.Values{}
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			query.Set("status", status)
		}
		path := "/api/v1/downloads"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		var downloads []domain.Download
		if _, err := callAPI(http.MethodGet, path, nil, &downloads); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tSTAGE\tPROGRESS\tCREATED")
		for _, d := range downloads {
			title := d.Title
			if title == "" {
				title = d.Input
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
				truncate(d.ID, 8),
				truncate(title, 40),
				d.Status,
				d.Stage,
				d.Progress,
				humanize.Time(d.CreatedAt))
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show download statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var stats domain.DownloadStats
		if _, err := callAPI(http.MethodGet, "/api/v1/downloads/stats", nil, &stats); err != nil {
			return err
		}

		fmt.Println("Download Statistics:")
		fmt.Printf("  Total:      %d\n", stats.Total)
		fmt.Printf("  Queued:     %d\n", stats.Queued)
		fmt.Printf("  Processing: %d\n", stats.Processing)
		fmt.Printf("  Completed:  %d\n", stats.Completed)
		fmt.Printf("  Failed:     %d\n", stats.Failed)
		fmt.Printf("  Cancelled:  %d\n", stats.Cancelled)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get download details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var d domain.Download
		if _, err := callAPI(http.MethodGet, "/api/v1/downloads/"+args[0], nil, &d); err != nil {
			return err
		}

		fmt.Printf("Download Details:\n")
		fmt.Printf("  ID:       %s\n", d.ID)
		fmt.Printf("  Input:    %s\n", d.Input)
		if d.ContentID != "" {
			fmt.Printf("  Video:    %s\n", d.ContentID)
		}
		if d.Title != "" {
			fmt.Printf("  Title:    %s\n", d.Title)
		}
		fmt.Printf("  Status:   %s\n", d.Status)
		if d.Stage != "" {
			fmt.Printf("  Stage:    %s (%.0f%%)\n", d.Stage, d.Progress)
		}
		if d.Duration > 0 {
			fmt.Printf("  Duration: %s\n", time.Duration(d.Duration*float64(time.Second)).Round(time.Second))
		}
		fmt.Printf("  Created:  %s (%s)\n", d.CreatedAt.Format(time.RFC3339), humanize.Time(d.CreatedAt))
		if d.RetryCount > 0 {
			fmt.Printf("  Retries:  %d\n", d.RetryCount)
		}
		if d.ErrorMessage != "" {
			fmt.Printf("  Error:    %s\n", d.ErrorMessage)
		}
		if d.FilePath != "" {
			fmt.Printf("  File:     %s\n", d.FilePath)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Pause a running download or drop a queued one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		if _, err := callAPI(http.MethodPost, "/api/v1/downloads/"+args[0]+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Println("Download cancelled successfully")
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Requeue a failed or paused download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		if _, err := callAPI(http.MethodPost, "/api/v1/downloads/"+args[0]+"/retry", nil, nil); err != nil {
			return err
		}
		fmt.Println("Download queued for retry")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Remove a download record (files are kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		if _, err := callAPI(http.MethodDelete, "/api/v1/downloads/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("Download deleted")
		return nil
	},
}

// logsResponse mirrors the body of the log endpoints
type logsResponse struct {
	Count   int               `json:"count"`
	Entries []logger.LogEntry `json:"entries"`
}

var logsCmd = &cobra.Command{
	Use:   "logs [category]",
	Short: "Show today's server logs (queue, pipeline, error)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		query := url.Values{}
		limit, _ := cmd.Flags().GetInt("limit")
		query.Set("limit", strconv.Itoa(limit))
		if date, _ := cmd.Flags().GetString("date"); date != "" {
			query.Set("date", date)
		}

		path := "/api/v1/logs/" + url.PathEscape(args[0])
		if search, _ := cmd.Flags().GetString("search"); search != "" {
			path += "/search"
			query.Set("q", search)
		}

		var resp logsResponse
		if _, err := callAPI(http.MethodGet, path+"?"+query.Encode(), nil, &resp); err != nil {
			return err
		}
		for _, e := range resp.Entries {
			fmt.Printf("%s %-5s %s", e.Timestamp, e.Level, e.Message)
			for k, v := range e.Fields {
				fmt.Printf(" %s=%v", k, v)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	addCmd.Flags().BoolP("watch", "w", false, "Follow progress after queueing")
	listCmd.Flags().StringP("status", "s", "", "Filter by status")
	logsCmd.Flags().IntP("limit", "n", 100, "Number of entries")
	logsCmd.Flags().String("date", "", "Day to read (YYYY-MM-DD, default today)")
	logsCmd.Flags().String("search", "", "Only entries containing this text")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
