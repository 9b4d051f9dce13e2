package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

var stageLabels = map[domain.Stage]string{
	domain.StageResolving:        "resolving",
	domain.StageFetching:         "fetching page",
	domain.StageExtracting:       "reading streams",
	domain.StageDownloadingVideo: "video",
	domain.StageDownloadingAudio: "audio",
	domain.StageProbing:          "probing",
	domain.StageMuxing:           "muxing",
}

// progressView renders progress events as one bar per stage. It is a
// domain.ProgressSink.
type progressView struct {
	mu       sync.Mutex
	out      io.Writer
	bar      *progressbar.ProgressBar
	stage    domain.Stage
	terminal *domain.ProgressEvent
}

func newProgressView(out io.Writer) *progressView {
	return &progressView{out: out}
}

func (v *progressView) Emit(event domain.ProgressEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch event.Kind {
	case domain.EventPercent:
		if event.Stage != v.stage || v.bar == nil {
			v.finishBar()
			v.stage = event.Stage
			v.bar = v.newBar(event.Stage)
		}
		_ = v.bar.Set(int(event.Percent))
	case domain.EventDone:
		if v.bar != nil {
			_ = v.bar.Set(100)
		}
		v.finishBar()
		v.terminal = &event
	case domain.EventError:
		v.finishBar()
		fmt.Fprintf(v.out, "%s: %s\n", stageLabel(event.Stage), event.Message)
		v.terminal = &event
	}
}

// Terminal returns the Done or Error event once one has been rendered
func (v *progressView) Terminal() *domain.ProgressEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.terminal
}

func (v *progressView) newBar(stage domain.Stage) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(v.out),
		progressbar.OptionSetDescription(fmt.Sprintf("%-15s", stageLabel(stage))),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (v *progressView) finishBar() {
	if v.bar == nil {
		return
	}
	_ = v.bar.Finish()
	fmt.Fprintln(v.out)
	v.bar = nil
}

func stageLabel(stage domain.Stage) string {
	if label, ok := stageLabels[stage]; ok {
		return label
	}
	return string(stage)
}
