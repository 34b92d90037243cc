package policy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into a single reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files. Parsed files are cached
// until their size or modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	// ReloadDelay is how long Watch waits after the last change before reloading.
	ReloadDelay time.Duration
}

type cacheEntry struct {
	policy  Policy
	modTime time.Time
	size    int64
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		cache:       make(map[string]cacheEntry),
		ReloadDelay: DefaultReloadDelay,
	}
}

// LoadFromPaths loads every policy file named by paths. A path may be a
// file or a directory, which is walked recursively; broken files inside a
// directory are skipped with a warning. Two files defining the same policy
// name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	sources := make(map[string]string)

	for _, root := range paths {
		found, err := l.collect(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		for _, p := range found {
			src := sourceOf(p)
			if prev, ok := sources[p.Name]; ok {
				return nil, fmt.Errorf("policy %s defined twice (%s and %s)", p.Name, prev, src)
			}
			sources[p.Name] = src
			out = append(out, p)
		}
	}

	l.logger.Info().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

func (l *Loader) collect(ctx context.Context, root string) ([]Policy, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(ctx, root)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var found []Policy
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case d.IsDir() || !isPolicyFile(path):
			return nil
		}
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		found = append(found, *p)
		return nil
	})
	return found, err
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

func sourceOf(p Policy) string {
	src, _ := p.Metadata["source"].(string)
	return src
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	entry, ok := l.cache[path]
	l.mu.RUnlock()
	if ok && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		p := entry.policy
		return &p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = regoPolicy(path, data)
	case ".json":
		if p, err = jsonPolicy(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("not a policy file: %s", path)
	}

	l.mu.Lock()
	l.cache[path] = cacheEntry{policy: *p, modTime: info.ModTime(), size: info.Size()}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy file parsed")
	return p, nil
}

// regoPolicy wraps a bare .rego file. The policy is named after the file and
// described by its leading comment block.
func regoPolicy(path string, data []byte) *Policy {
	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(data),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{},
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// jsonPolicy decodes a full policy definition. Missing name, severity and
// enabled default to the file name, warning and true.
func jsonPolicy(path string, data []byte) (*Policy, error) {
	var def struct {
		Policy
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}

	p := def.Policy
	p.Enabled = def.Enabled == nil || *def.Enabled
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego source", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if !p.Severity.Valid() {
		return nil, fmt.Errorf("policy %s has unknown severity %q", p.Name, p.Severity)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = path
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	return &p, nil
}

// leadingComment joins the first block of "#" comment lines.
func leadingComment(src []byte) string {
	var words []string
	sc := bufio.NewScanner(bytes.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#") {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		if c := strings.TrimSpace(strings.TrimPrefix(line, "#")); c != "" {
			words = append(words, c)
		}
	}
	return strings.Join(words, " ")
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cacheEntry)
	l.mu.Unlock()
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// Watch calls reload with the complete policy set from paths after policy
// files under them change. Directories are watched recursively; for a file,
// its parent directory is watched so replace-on-save editors are noticed.
// Watch returns once the watcher is running; it stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	pw := &policyWatch{loader: l, watcher: w, paths: paths, files: make(map[string]bool), reload: reload}
	for _, p := range paths {
		if err := pw.add(p); err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Policy path not watched")
		}
	}

	go pw.loop(ctx)
	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

type policyWatch struct {
	loader  *Loader
	watcher *fsnotify.Watcher
	paths   []string
	files   map[string]bool
	dirs    []string
	reload  func([]Policy) error
}

func (pw *policyWatch) add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		pw.files[filepath.Clean(path)] = true
		return pw.watcher.Add(filepath.Dir(path))
	}
	pw.dirs = append(pw.dirs, filepath.Clean(path))
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return pw.watcher.Add(p)
	})
}

// relevant reports whether an event on name concerns a watched policy. A
// watched parent directory also reports the watched file's siblings.
func (pw *policyWatch) relevant(ev fsnotify.Event) bool {
	if !isPolicyFile(ev.Name) || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	if pw.files[name] {
		return true
	}
	for _, dir := range pw.dirs {
		if rel, err := filepath.Rel(dir, name); err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

func (pw *policyWatch) loop(ctx context.Context) {
	defer pw.watcher.Close()

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	logger := pw.loader.logger
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if !pw.relevant(ev) {
				continue
			}
			logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			pw.loader.forget(ev.Name)

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(pw.loader.ReloadDelay, func() {
				if ctx.Err() == nil {
					pw.apply(ctx)
				}
			})

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (pw *policyWatch) apply(ctx context.Context) {
	logger := pw.loader.logger
	policies, err := pw.loader.LoadFromPaths(ctx, pw.paths)
	if err != nil {
		logger.Error().Err(err).Msg("Policy reload failed, keeping current policies")
		return
	}
	if err := pw.reload(policies); err != nil {
		logger.Error().Err(err).Msg("Reloaded policies rejected, keeping current policies")
		return
	}
	logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
}
