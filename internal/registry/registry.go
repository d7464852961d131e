// Package registry resolves warehouse applications from a YAML file with hot reload.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"insights-engine/internal/model"
)

// Registry resolves warehouse applications by workspace and name.
type Registry interface {
	Lookup(workspaceID, name string) (Application, error)
	Applications(workspaceID string) []Application
}

type file struct {
	Workspaces map[string]Workspace `yaml:"workspaces" validate:"dive"`
}

var validate = validator.New()

// Parse decodes and validates registry YAML. Applications inherit the workspace default URL.
func Parse(data []byte) (map[string]Workspace, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("validate registry: %w", err)
	}
	for id, ws := range f.Workspaces {
		seen := make(map[string]bool, len(ws.Applications))
		for i := range ws.Applications {
			app := &ws.Applications[i]
			if seen[app.Name] {
				return nil, fmt.Errorf("workspace %s: duplicate application %q", id, app.Name)
			}
			seen[app.Name] = true
			if app.DatabaseURL == "" {
				app.DatabaseURL = ws.DefaultDatabaseURL
			}
			if app.DatabaseURL == "" {
				return nil, fmt.Errorf("workspace %s: application %q has no database url", id, app.Name)
			}
		}
		f.Workspaces[id] = ws
	}
	if f.Workspaces == nil {
		f.Workspaces = map[string]Workspace{}
	}
	return f.Workspaces, nil
}

// FileRegistry is a Registry backed by a YAML file.
type FileRegistry struct {
	mu         sync.RWMutex
	path       string
	logger     *zap.Logger
	workspaces map[string]Workspace
	onChange   []func(workspaceIDs []string)
	onReload   []func(err error)
}

// NewFileRegistry loads the registry at path. An empty path yields an empty registry.
func NewFileRegistry(path string, logger *zap.Logger) (*FileRegistry, error) {
	r := &FileRegistry{logger: logger, workspaces: map[string]Workspace{}}
	if path == "" {
		return r, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	r.path = absPath

	workspaces, err := r.read()
	if err != nil {
		return nil, err
	}
	r.workspaces = workspaces
	return r, nil
}

// NewStaticRegistry builds a registry from already parsed workspaces.
func NewStaticRegistry(workspaces map[string]Workspace, logger *zap.Logger) *FileRegistry {
	return &FileRegistry{logger: logger, workspaces: workspaces}
}

func (r *FileRegistry) read() (map[string]Workspace, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}

func (r *FileRegistry) Lookup(workspaceID, name string) (Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.workspaces[workspaceID]
	if ok && ws.enabled() {
		for _, app := range ws.Applications {
			if app.Name == name {
				return app, nil
			}
		}
	}
	return Application{}, model.NewValidationError("warehouse application %q not found in workspace %q", name, workspaceID)
}

func (r *FileRegistry) Applications(workspaceID string) []Application {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.workspaces[workspaceID]
	if !ok || !ws.enabled() {
		return nil
	}
	return append([]Application(nil), ws.Applications...)
}

// OnChange registers a callback receiving the workspaces whose configuration changed.
func (r *FileRegistry) OnChange(fn func(workspaceIDs []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// OnReload registers a callback receiving every reload outcome.
func (r *FileRegistry) OnReload(fn func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Reload re-reads the file. On failure the previous configuration is kept.
func (r *FileRegistry) Reload() ([]string, error) {
	if r.path == "" {
		return nil, errors.New("registry has no backing file")
	}

	workspaces, err := r.read()
	if err != nil {
		r.logger.Error("registry reload failed, keeping previous configuration", zap.Error(err))
		r.notifyReload(err)
		return nil, err
	}

	r.mu.Lock()
	changed := diff(r.workspaces, workspaces)
	r.workspaces = workspaces
	hooks := slices.Clone(r.onChange)
	r.mu.Unlock()

	r.logger.Info("registry reloaded", zap.String("path", r.path), zap.Strings("changed_workspaces", changed))
	r.notifyReload(nil)
	if len(changed) > 0 {
		for _, fn := range hooks {
			fn(changed)
		}
	}
	return changed, nil
}

func (r *FileRegistry) notifyReload(err error) {
	r.mu.RLock()
	hooks := slices.Clone(r.onReload)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// Watch reloads on file changes until ctx is done.
func (r *FileRegistry) Watch(ctx context.Context) error {
	if r.path == "" {
		return errors.New("registry has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so atomic saves that replace the file are seen.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		filename := filepath.Base(r.path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filename {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					r.logger.Debug("registry file changed", zap.String("op", event.Op.String()))
					_, _ = r.Reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("registry watcher error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.Info("watching warehouse registry", zap.String("path", r.path))
	return nil
}

func diff(old, updated map[string]Workspace) []string {
	var changed []string
	for id, ws := range updated {
		prev, ok := old[id]
		if !ok || !sameWorkspace(prev, ws) {
			changed = append(changed, id)
		}
	}
	for id := range old {
		if _, ok := updated[id]; !ok {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

func sameWorkspace(a, b Workspace) bool {
	left, errA := yaml.Marshal(a)
	right, errB := yaml.Marshal(b)
	return errA == nil && errB == nil && string(left) == string(right)
}
