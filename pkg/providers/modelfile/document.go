package modelfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kkurt/erwin-addin-sub001/pkg/engine"
)

// document is the model behind a session. It outlives the session so the
// caller can save after closing.
type document struct {
	mu       sync.Mutex
	provider *Provider
	locator  string
	path     string
	model    *Model
	modTime  time.Time
	size     int64
	dirty    bool

	stale   atomic.Bool
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newDocument(p *Provider, locator, path string, model *Model, info os.FileInfo) *document {
	return &document{
		provider: p,
		locator:  locator,
		path:     path,
		model:    model,
		modTime:  info.ModTime(),
		size:     info.Size(),
	}
}

// Locator implements engine.Document.
func (d *document) Locator() string {
	return d.locator
}

// Path returns the file the document was read from.
func (d *document) Path() string {
	return d.path
}

// Model returns a copy of the document's current model.
func (d *document) Model() *Model {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model.clone()
}

// Dirty reports whether committed changes have not been saved.
func (d *document) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// Stale reports whether the file changed on disk since it was opened.
func (d *document) Stale() bool {
	return d.isStale()
}

func (d *document) isStale() bool {
	return d.stale.Load()
}

func (d *document) snapshot() *Model {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model.clone()
}

func (d *document) restore(m *Model) {
	if m == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.model = m
}

func (d *document) markDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty = true
}

func (d *document) add(o Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.model.Objects = append(d.model.Objects, o)
}

func (d *document) setProperty(id, name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	o := d.model.find(id)
	if o == nil {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if o.Properties == nil {
		o.Properties = make(map[string]string)
	}
	o.Properties[name] = value
	return nil
}

// save writes the model to path. Writing over the original file fails
// with ErrStaleDocument if someone else changed it since it was read.
func (d *document) save(path string) error {
	if d.isStale() {
		return ErrStaleDocument
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	origin := samePath(path, d.path)
	if origin {
		info, err := os.Stat(d.path)
		if err != nil {
			return fmt.Errorf("failed to stat document: %w", err)
		}
		if !info.ModTime().Equal(d.modTime) || info.Size() != d.size {
			d.stale.Store(true)
			return ErrStaleDocument
		}
	}

	if err := d.model.write(path); err != nil {
		return err
	}

	if origin {
		if info, err := os.Stat(d.path); err == nil {
			d.modTime = info.ModTime()
			d.size = info.Size()
		}
		d.dirty = false
	}

	d.provider.logger.Zerolog().Info().
		Str("path", path).
		Int("objects", len(d.model.Objects)).
		Msg("Model saved")
	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// watch marks the document stale when its file changes on disk. The
// parent directory is watched so that replacements by rename are seen.
func (d *document) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.watcher = watcher
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.processEvents(watcher, d.done)
	return nil
}

func (d *document) processEvents(watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !samePath(event.Name, d.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if d.ownWrite() {
				continue
			}
			if !d.stale.Swap(true) {
				d.provider.logger.Zerolog().Warn().
					Str("path", d.path).
					Str("op", event.Op.String()).
					Msg("Model changed on disk while open")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.provider.logger.Zerolog().Error().Err(err).Str("path", d.path).Msg("Watcher error")
		}
	}
}

// ownWrite reports whether the file on disk is the one this document last
// read or wrote.
func (d *document) ownWrite() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, err := os.Stat(d.path)
	if err != nil {
		return false
	}
	return info.ModTime().Equal(d.modTime) && info.Size() == d.size
}

// unwatch stops watching and waits for the event loop to exit.
func (d *document) unwatch() {
	d.mu.Lock()
	watcher, done := d.watcher, d.done
	d.watcher, d.done = nil, nil
	d.mu.Unlock()

	if watcher == nil {
		return
	}
	_ = watcher.Close()
	<-done
}

// ModernDocument is the document of the modern surface. It can be saved to
// a locator other than its origin.
type ModernDocument struct {
	*document
}

var (
	_ engine.TargetSaver  = (*ModernDocument)(nil)
	_ engine.DefaultSaver = (*ModernDocument)(nil)
)

// SaveTo saves to target, a raw path or a locator with an accepted scheme.
func (d *ModernDocument) SaveTo(target string) error {
	path, err := d.provider.resolve(target)
	if err != nil {
		return err
	}
	return d.save(path)
}

// Save saves to the file the document was opened from.
func (d *ModernDocument) Save() error {
	return d.save(d.path)
}

// LegacyDocument is the document of the legacy surface. It can only be
// saved in place.
type LegacyDocument struct {
	*document
}

// Save saves to the file the document was opened from.
func (d *LegacyDocument) Save() error {
	return d.save(d.path)
}
