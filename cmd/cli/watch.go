package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

// watchPollInterval spaces reconnects while a download waits in the queue
var watchPollInterval = time.Second

var watchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Follow the progress of a queued download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		return watchDownload(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

// sseEvent is one dispatched server-sent event
type sseEvent struct {
	Name string
	Data string
}

// readSSE calls fn for every event in r until r ends or fn returns false
func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	var event sseEvent
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event.Name != "" || len(data) > 0 {
				event.Data = strings.Join(data, "\n")
				if !fn(event) {
					return nil
				}
			}
			event, data = sseEvent{}, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

// watchDownload follows the event stream of id, reconnecting while the
// download waits in the queue, until it completes, fails or is paused.
func watchDownload(ctx context.Context, id string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	view := newProgressView(out)
	announcedQueue := false

	for {
		state, err := streamEvents(ctx, id, view)
		if err != nil {
			return err
		}

		if terminal := view.Terminal(); terminal != nil {
			if terminal.Kind == domain.EventError {
				if terminal.Message == domain.ErrCancelled.Error() {
					return nil
				}
				return fmt.Errorf("%s", terminal.Message)
			}
			return printFinal(out, id)
		}

		switch state.Status {
		case domain.StatusCompleted:
			fmt.Fprintf(out, "Completed: %s\n", state.FilePath)
			return nil
		case domain.StatusFailed:
			return fmt.Errorf("download failed: %s", state.ErrorMessage)
		case domain.StatusCancelled:
			fmt.Fprintln(out, "Download is paused; run retry to resume it")
			return nil
		case domain.StatusQueued:
			if !announcedQueue {
				fmt.Fprintln(out, "Waiting in queue...")
				announcedQueue = true
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(watchPollInterval):
		}
	}
}

// streamEvents reads one SSE connection, feeding progress events to view,
// and returns the record from the opening state event.
func streamEvents(ctx context.Context, id string, view *progressView) (*domain.Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/v1/downloads/"+id+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("download %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	state := &domain.Download{}
	var decodeErr error
	err = readSSE(resp.Body, func(e sseEvent) bool {
		if e.Name == "state" {
			decodeErr = json.Unmarshal([]byte(e.Data), state)
			return decodeErr == nil
		}
		var event domain.ProgressEvent
		if decodeErr = json.Unmarshal([]byte(e.Data), &event); decodeErr != nil {
			return false
		}
		view.Emit(event)
		return event.Kind == domain.EventPercent
	})
	if decodeErr != nil {
		return nil, fmt.Errorf("invalid event from server: %w", decodeErr)
	}
	if err != nil && ctx.Err() == nil {
		return nil, err
	}
	return state, ctx.Err()
}

func printFinal(out io.Writer, id string) error {
	var download domain.Download
	if _, err := callAPI(http.MethodGet, "/api/v1/downloads/"+id, nil, &download); err != nil {
		return err
	}
	fmt.Fprintf(out, "Completed: %s\n", download.FilePath)
	return nil
}
