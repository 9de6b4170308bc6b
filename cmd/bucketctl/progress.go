package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/damacus/datalab-buckets/internal/upload"
)

const pollInterval = 200 * time.Millisecond

// queueTracker draws one bar per queued upload until every item has
// uploaded or failed.
type queueTracker struct {
	queue    *upload.Manager
	progress *mpb.Progress
	// lines receives one summary line per finished item.
	lines io.Writer
	bars  map[string]*mpb.Bar
}

func newQueueTracker(ctx context.Context, queue *upload.Manager, out io.Writer, interactive bool) *queueTracker {
	barOut := out
	if !interactive {
		barOut = io.Discard
	}
	return &queueTracker{
		queue: queue,
		progress: mpb.NewWithContext(ctx,
			mpb.WithOutput(barOut),
			mpb.WithRefreshRate(pollInterval),
			mpb.WithWidth(60),
		),
		lines: out,
		bars:  make(map[string]*mpb.Bar),
	}
}

func (t *queueTracker) add(item upload.Item) {
	t.bars[item.ID] = t.progress.New(item.Size,
		mpb.BarStyle(),
		mpb.PrependDecorators(
			decor.Name(item.Key, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Percentage(decor.WCSyncSpace),
		),
	)
}

// wait polls the queue and returns the joined errors of failed items.
func (t *queueTracker) wait(ctx context.Context, items []upload.Item) error {
	for _, item := range items {
		t.add(item)
	}
	pending := make(map[string]upload.Item, len(items))
	for _, item := range items {
		pending[item.ID] = item
	}

	var errs []error
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for len(pending) > 0 {
		for id, queued := range pending {
			item, err := t.queue.Get(id)
			if err != nil {
				// removed from the queue by someone else
				t.bars[id].Abort(true)
				delete(pending, id)
				errs = append(errs, fmt.Errorf("%s: %w", queued.Key, err))
				continue
			}
			bar := t.bars[id]
			switch item.Status {
			case upload.StatusUploaded:
				bar.SetTotal(-1, true)
				fmt.Fprintf(t.lines, "uploaded %s\n", item.Key)
				delete(pending, id)
			case upload.StatusFailed:
				bar.Abort(false)
				fmt.Fprintf(t.lines, "failed %s: %s\n", item.Key, item.Error)
				errs = append(errs, fmt.Errorf("%s: %s", item.Key, item.Error))
				delete(pending, id)
			default:
				bar.SetCurrent(item.Size * int64(item.Progress) / 100)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			for id := range pending {
				t.bars[id].Abort(false)
			}
			t.progress.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	t.progress.Wait()
	return errors.Join(errs...)
}

// downloadBar reports bytes written to a local file.
func downloadBar(size int64, name string, out io.Writer, visible bool) *progressbar.ProgressBar {
	return progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(out)
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(visible),
	)
}
