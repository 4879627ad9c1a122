package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"camrelay/internal/relay"

	"github.com/fsnotify/fsnotify"
)

// DirOpener opens dir://<path> sources: every complete .jpg or .jpeg file
// created or written in the directory becomes one frame. Producers should
// write elsewhere and rename into place; partial files are skipped until the
// write that completes them. Removing the directory ends the stream.
type DirOpener struct {
	log *slog.Logger
}

func NewDirOpener(log *slog.Logger) *DirOpener {
	return &DirOpener{log: log}
}

func (o *DirOpener) Open(ctx context.Context, url string) (relay.Source, error) {
	dir := filepath.Clean(strings.TrimPrefix(url, "dir://"))
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &dirSource{dir: dir, watcher: w, log: o.log}, nil
}

type dirSource struct {
	dir     string
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

func (s *dirSource) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("watch %s: %w", s.dir, err)
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil, io.EOF
			}
			if ev.Name == s.dir && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				return nil, io.EOF
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isJPEGName(ev.Name) {
				continue
			}
			data, err := os.ReadFile(ev.Name)
			if err != nil {
				// Gone again before we could read it.
				s.log.Debug("skipping unreadable frame file", slog.String("file", ev.Name), slog.String("error", err.Error()))
				continue
			}
			if !isCompleteJPEG(data) {
				continue
			}
			return data, nil
		}
	}
}

func (s *dirSource) Close() error {
	return s.watcher.Close()
}

func isJPEGName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}
