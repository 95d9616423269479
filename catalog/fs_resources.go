package catalog

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/contexthost/mcprt/mcp"
)

// DirWatcher exposes the files under a directory root as resources and keeps
// the catalog in sync with filesystem changes. File writes raise
// ResourceUpdated; creates and removes raise resource list changes.
type DirWatcher struct {
	cat     *Catalog
	root    string
	baseURI string
	log     *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchDir scans root, registers each regular file, and starts watching for
// changes. The returned watcher must be closed to release the inotify
// handles.
func WatchDir(ctx context.Context, cat *Catalog, root, baseURI string, log *slog.Logger) (*DirWatcher, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %q: %w", root, err)
	}

	w := &DirWatcher{
		cat:     cat,
		root:    abs,
		baseURI: strings.TrimRight(baseURI, "/"),
		log:     log,
		done:    make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}
	w.watcher = watcher
	if err := w.scan(abs); err != nil {
		watcher.Close()
		return nil, err
	}

	go w.run(ctx)
	return w, nil
}

// Close stops the watcher. Registered resources stay in the catalog.
func (w *DirWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

// scan walks dir, watching every directory and registering every regular
// file. It runs once for the root and again for each directory created later.
func (w *DirWatcher) scan(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %q: %w", path, err)
			}
			return nil
		}
		if w.cat.HasResource(w.uriFor(path)) {
			return nil
		}
		if err := w.cat.AddResource(w.fileResource(path)); err != nil {
			return err
		}
		return nil
	})
}

func (w *DirWatcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WarnContext(ctx, "fs watcher error", slog.String("err", err.Error()))
		}
	}
}

func (w *DirWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	info, statErr := os.Stat(event.Name)
	if statErr == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			// Watch the new directory and index whatever it already holds.
			if err := w.scan(event.Name); err != nil {
				w.log.WarnContext(ctx, "failed to index new directory",
					slog.String("path", event.Name), slog.String("err", err.Error()))
				return
			}
			w.cat.Notifier().ListChanged(ctx, ChangeResources)
		}
		return
	}
	uri := w.uriFor(event.Name)

	switch {
	case event.Has(fsnotify.Create):
		if err := w.cat.AddResource(w.fileResource(event.Name)); err == nil {
			w.cat.Notifier().ListChanged(ctx, ChangeResources)
		}
	case event.Has(fsnotify.Write):
		res := w.fileResource(event.Name)
		w.cat.Notifier().ResourceUpdated(ctx, res.Descriptor)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.cat.RemoveResource(ctx, uri)
	}
}

func (w *DirWatcher) uriFor(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return w.baseURI + "/" + filepath.ToSlash(rel)
}

func (w *DirWatcher) fileResource(path string) StaticResource {
	uri := w.uriFor(path)
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return StaticResource{
		Descriptor: mcp.Resource{URI: uri, Name: name, MimeType: mimeType},
		Reader: func(ctx context.Context) (mcp.ResourceContents, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return mcp.ResourceContents{}, fmt.Errorf("failed to read %s: %w", path, err)
			}
			contents := mcp.ResourceContents{URI: uri, MimeType: mimeType}
			if utf8.Valid(data) {
				contents.Text = string(data)
			} else {
				contents.Blob = base64.StdEncoding.EncodeToString(data)
			}
			return contents, nil
		},
	}
}
