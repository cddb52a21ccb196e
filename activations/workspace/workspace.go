// Package workspace is a reference activation exposing a sandboxed
// directory tree, streaming filesystem-change notifications to the caller
// as they happen rather than requiring the client to poll.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/plexusd/plexus"
)

// Workspace confines every path it serves to a single root directory,
// resolved once at construction time.
type Workspace struct {
	root string
}

// New constructs a workspace activation rooted at root. root is resolved to
// an absolute path immediately so later containment checks are stable
// regardless of the process's working directory changing.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Definition() plexus.ActivationDefinition {
	return plexus.ActivationDefinition{
		Namespace:   "workspace",
		Version:     "1.0.0",
		Description: "Sandboxed filesystem access with streaming change notifications",
		Methods: []plexus.Method{
			{
				Name:         "watch",
				Description:  "Stream filesystem-change events for a path within the workspace until the call is cancelled",
				ParamsSchema: plexus.ReflectSchema[WatchParams](),
				ResultSchema: plexus.ReflectSchema[ChangeEvent](),
				Streaming:    true,
				Handler:      w.watch,
			},
			{
				Name:         "read",
				Description:  "Read a file's contents",
				ParamsSchema: plexus.ReflectSchema[ReadParams](),
				ResultSchema: plexus.ReflectSchema[ReadResult](),
				Handler:      w.read,
			},
		},
	}
}

// WatchParams is the input to the watch method.
type WatchParams struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to watch, relative to the workspace root; empty means the root itself"`
}

// ChangeEventOp names the kind of change reported by watch.
type ChangeEventOp string

const (
	ChangeCreate ChangeEventOp = "create"
	ChangeWrite  ChangeEventOp = "write"
	ChangeRemove ChangeEventOp = "remove"
	ChangeRename ChangeEventOp = "rename"
	ChangeChmod  ChangeEventOp = "chmod"
)

// ChangeEvent is the Data payload emitted by watch, one per underlying
// fsnotify event.
type ChangeEvent struct {
	Op   ChangeEventOp `json:"op"`
	Path string        `json:"path"`
}

// ReadParams is the input to the read method.
type ReadParams struct {
	Path string `json:"path" jsonschema:"minLength=1,description=File to read, relative to the workspace root"`
}

// ReadResult is the Data payload emitted by read.
type ReadResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// resolve maps a client-supplied relative path onto an absolute path
// guaranteed to be inside the workspace root, rejecting any attempt to
// escape it via ".." segments or symlinks.
func (w *Workspace) resolve(rel string) (string, error) {
	rel = filepath.Clean(strings.TrimPrefix(filepath.ToSlash(rel), "/"))
	if rel == "." {
		return w.root, nil
	}
	abs := filepath.Join(w.root, filepath.FromSlash(rel))

	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			real = abs
		} else {
			return "", err
		}
	}
	relToRoot, err := filepath.Rel(w.root, real)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace root")
	}
	return abs, nil
}

func (w *Workspace) watch(ctx context.Context, call *plexus.Call) {
	var params WatchParams
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &params); err != nil {
			call.Sink.Error(ctx, err.Error(), false)
			return
		}
	}

	dir, err := w.resolve(params.Path)
	if err != nil {
		call.Sink.Error(ctx, err.Error(), false)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		call.Sink.Error(ctx, fmt.Sprintf("start watcher: %v", err), false)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		call.Sink.Error(ctx, fmt.Sprintf("watch %s: %v", dir, err), false)
		return
	}

	for {
		select {
		case <-ctx.Done():
			call.Sink.Done(ctx)
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				call.Sink.Done(ctx)
				return
			}
			call.Sink.Error(ctx, err.Error(), true)
		case ev, ok := <-watcher.Events:
			if !ok {
				call.Sink.Done(ctx)
				return
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				rel = ev.Name
			}
			call.Sink.Data(ctx, "workspace.change", ChangeEvent{Op: opForEvent(ev.Op), Path: filepath.ToSlash(rel)})
		}
	}
}

func opForEvent(op fsnotify.Op) ChangeEventOp {
	switch {
	case op&fsnotify.Create != 0:
		return ChangeCreate
	case op&fsnotify.Write != 0:
		return ChangeWrite
	case op&fsnotify.Remove != 0:
		return ChangeRemove
	case op&fsnotify.Rename != 0:
		return ChangeRename
	default:
		return ChangeChmod
	}
}

func (w *Workspace) read(ctx context.Context, call *plexus.Call) {
	var params ReadParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		call.Sink.Error(ctx, err.Error(), false)
		return
	}

	abs, err := w.resolve(params.Path)
	if err != nil {
		call.Sink.Error(ctx, err.Error(), false)
		return
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		call.Sink.Error(ctx, err.Error(), false)
		return
	}

	call.Sink.Data(ctx, "workspace.read", ReadResult{Path: params.Path, Content: string(data)})
	call.Sink.Done(ctx)
}
