package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/forPelevin/hlclip/internal/logger"
	"github.com/forPelevin/hlclip/internal/pipeline"
	"github.com/forPelevin/hlclip/internal/ports"
	"github.com/forPelevin/hlclip/internal/queue"
	"github.com/forPelevin/hlclip/internal/usecase"
)

var mediaExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".webm": true,
	".m4v": true, ".avi": true, ".flv": true,
}

func isMedia(path string) bool {
	return mediaExts[strings.ToLower(filepath.Ext(path))]
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Queue a job for every new video dropped into a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	addRequestFlags(cmd)
	cmd.Flags().Bool("work", false, "Also run a worker in this process")
	cmd.Flags().Duration("settle", 2*time.Second, "Wait this long after a file appears before queueing it")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir := args[0]
	settle, _ := cmd.Flags().GetDuration("settle")
	work, _ := cmd.Flags().GetBool("work")

	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var wg sync.WaitGroup
	if work {
		w, err := app.Worker(ctx)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				app.Log.Error(ctx, "worker: %v", err)
			}
		}()
	}

	handle := func(ctx context.Context, path string) error {
		req, err := requestFromFlags(cmd, path)
		if err != nil {
			return err
		}
		req.Source = ports.Source{Kind: ports.SourceUpload, Path: path}
		p, err := app.Params(req, time.Now())
		if err != nil {
			return err
		}
		id, err := submitDeferred(ctx, app, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, path)
		return nil
	}

	dw, err := newDirWatcher(dir, settle, handle, app.Log)
	if err != nil {
		return err
	}
	err = dw.Run(ctx)
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func submitDeferred(ctx context.Context, app *pipeline.App, p usecase.Params) (string, error) {
	b, err := app.Broker(ctx)
	if err != nil {
		return "", err
	}
	return queue.Submit(ctx, app.Store, queue.Deferred{Broker: b}, p)
}

// dirWatcher calls handle once for every media file created in a directory.
type dirWatcher struct {
	dir    string
	settle time.Duration
	handle func(ctx context.Context, path string) error
	log    logger.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	seen    map[string]bool
	wg      sync.WaitGroup
}

func newDirWatcher(dir string, settle time.Duration, handle func(context.Context, string) error, log logger.Logger) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("add watch path: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &dirWatcher{
		dir:     dir,
		settle:  settle,
		handle:  handle,
		log:     log,
		watcher: w,
		seen:    make(map[string]bool),
	}, nil
}

// Run blocks until ctx is done. Pending files are dropped on shutdown.
func (d *dirWatcher) Run(ctx context.Context) error {
	defer d.watcher.Close()
	d.log.Info(ctx, "watching %s for new videos", d.dir)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()

		case ev, ok := <-d.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if !isMedia(ev.Name) {
				d.log.Debug(ctx, "ignoring non-video file: %s", ev.Name)
				continue
			}
			if !d.markSeen(ev.Name) {
				continue
			}
			d.wg.Add(1)
			go func(path string) {
				defer d.wg.Done()
				select {
				case <-ctx.Done():
					return
				case <-time.After(d.settle):
				}
				d.log.Info(ctx, "new video: %s", path)
				if err := d.handle(ctx, path); err != nil {
					d.log.Error(ctx, "queue %s: %v", path, err)
				}
			}(ev.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			d.log.Error(ctx, "watcher error: %v", err)
		}
	}
}

func (d *dirWatcher) markSeen(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[path] {
		return false
	}
	d.seen[path] = true
	return true
}
