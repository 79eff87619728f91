// Package watcher rescans registered folders when files appear in them.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/frame"
	"github.com/TechnicallyBob202/FrameTagger/internal/logging"
	"github.com/TechnicallyBob202/FrameTagger/internal/scanner"
)

type FolderScanner interface {
	ScanFolder(ctx context.Context, folder catalog.Folder) (scanner.Result, error)
}

type Watcher struct {
	fsw      *fsnotify.Watcher
	scan     FolderScanner
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	folders map[int64]catalog.Folder
	timers  map[int64]*time.Timer
	fire    chan int64

	done     chan struct{}
	stopOnce sync.Once
}

func New(scan FolderScanner, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Discard()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		scan:     scan,
		debounce: debounce,
		log:      log,
		folders:  make(map[int64]catalog.Folder),
		timers:   make(map[int64]*time.Timer),
		fire:     make(chan int64, 16),
		done:     make(chan struct{}),
	}, nil
}

// Add watches folder and every visible directory below it.
func (w *Watcher) Add(folder catalog.Folder) error {
	w.mu.Lock()
	w.folders[folder.ID] = folder
	w.mu.Unlock()
	return w.addTree(folder.Path)
}

// Remove stops reacting to changes under the folder.
func (w *Watcher) Remove(folderID int64) {
	w.mu.Lock()
	folder, ok := w.folders[folderID]
	delete(w.folders, folderID)
	if t := w.timers[folderID]; t != nil {
		t.Stop()
		delete(w.timers, folderID)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	for _, p := range w.fsw.WatchList() {
		if p == folder.Path || strings.HasPrefix(p, folder.Path+string(os.PathSeparator)) {
			_ = w.fsw.Remove(p)
		}
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn("watch add failed", "path", path, "err", err)
		}
		return nil
	})
}

// Run handles filesystem events and debounced scans until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "err", err)
		case id := <-w.fire:
			w.mu.Lock()
			folder, ok := w.folders[id]
			delete(w.timers, id)
			w.mu.Unlock()
			if !ok {
				continue
			}
			if _, err := w.scan.ScanFolder(ctx, folder); err != nil {
				w.log.Warn("watch scan failed", "folder_id", id, "err", err)
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return
	}
	if ev.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.log.Warn("watch new directory", "path", ev.Name, "err", err)
			}
			w.markDirty(ev.Name)
			return
		}
	}
	if frame.IsImageFile(name) {
		w.markDirty(ev.Name)
	}
}

// markDirty schedules a scan of the folder owning path, pushing the scan back
// while events keep arriving.
func (w *Watcher) markDirty(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var (
		owner catalog.Folder
		found bool
	)
	for _, f := range w.folders {
		if path == f.Path || strings.HasPrefix(path, f.Path+string(os.PathSeparator)) {
			if !found || len(f.Path) > len(owner.Path) {
				owner, found = f, true
			}
		}
	}
	if !found || w.stopped() {
		return
	}
	if t := w.timers[owner.ID]; t != nil {
		t.Reset(w.debounce)
		return
	}
	id := owner.ID
	w.timers[id] = time.AfterFunc(w.debounce, func() { w.signal(id) })
}

// signal hands a due folder to Run, or drops it once Run is gone.
func (w *Watcher) signal(id int64) {
	select {
	case w.fire <- id:
	case <-w.done:
	}
}

func (w *Watcher) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Watcher) stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.mu.Lock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()
}

func (w *Watcher) Close() error {
	w.stop()
	return w.fsw.Close()
}
