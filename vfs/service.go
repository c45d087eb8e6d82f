package vfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/zhubert/studio-core/logger"
	"github.com/zhubert/studio-core/sandbox"
	"github.com/zhubert/studio-core/template"
)

// ErrNotImplemented is returned for operations the tree model does not
// support yet (folder rename).
var ErrNotImplemented = errors.New("vfs: not implemented")

// OpType identifies a batch operation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpRename OpType = "rename"
	OpMkdir  OpType = "mkdir"
)

// Operation is one entry in an ApplyOperations batch.
type Operation struct {
	Type    OpType
	Path    string
	Content string // create/update
	NewPath string // rename
}

// OpError pairs a failed operation with its error.
type OpError struct {
	Op  Operation
	Err error
}

// ApplyResult summarizes a batch: how many operations landed and which
// failed. Failures are absorbed per-operation; the batch never aborts.
type ApplyResult struct {
	Applied int
	Failed  []OpError
}

// Service owns the virtual file tree for one workspace. All mutations go
// to the runtime first; the cached tree follows. Safe for concurrent use.
type Service struct {
	runtime sandbox.Runtime
	log     *slog.Logger

	mu          sync.RWMutex
	root        *Node
	subscribers map[int]func()
	nextSubID   int
}

// NewService creates a Service over the given runtime. The tree is empty
// until Initialize, InitializeEmpty, or Refresh is called.
func NewService(runtime sandbox.Runtime) *Service {
	return &Service{
		runtime:     runtime,
		log:         logger.WithComponent("vfs"),
		root:        &Node{Kind: KindFolder, Name: "root"},
		subscribers: make(map[int]func()),
	}
}

// Subscribe registers a change listener and returns an unsubscribe
// function. Listeners are invoked after every tree change, including
// once per ApplyOperations batch. They must not call back into the
// Service and should return quickly.
func (s *Service) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// notify invokes all subscribers. Must be called without mu held.
func (s *Service) notify() {
	s.mu.RLock()
	fns := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// Initialize seeds the workspace from a starter template and builds the
// tree from what the runtime reports back. Fails with sandbox.ErrNotReady
// when the runtime has not been booted.
func (s *Service) Initialize(ctx context.Context, m *template.Manifest) error {
	if !s.runtime.Running() {
		return fmt.Errorf("cannot initialize before the runtime is booted: %w", sandbox.ErrNotReady)
	}
	files := make(map[string]string)
	for _, f := range m.FileList() {
		files[f.Path] = f.Content
	}
	if err := s.runtime.Mount(ctx, files); err != nil {
		return fmt.Errorf("failed to seed template %s: %w", m.Name, err)
	}
	s.log.Info("workspace initialized from template", "template", m.Name, "files", len(files))
	_, err := s.Refresh(ctx)
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// InitializeEmpty builds the tree from whatever the workspace already
// contains, without seeding anything. Fails with sandbox.ErrNotReady
// when the runtime has not been booted.
func (s *Service) InitializeEmpty(ctx context.Context) error {
	if !s.runtime.Running() {
		return fmt.Errorf("cannot initialize before the runtime is booted: %w", sandbox.ErrNotReady)
	}
	if _, err := s.Refresh(ctx); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Tree returns a deep copy of the current tree root.
func (s *Service) Tree() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root.Clone()
}

// FindNode returns a deep copy of the node at the given path, or
// (nil, false) when no such node exists.
func (s *Service) FindNode(p string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.root.find(cleanPath(p))
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// SearchFiles returns copies of all file nodes whose name or content
// contains the query, case-insensitively. Content is read live from the
// runtime; files it cannot read are matched on name only. An empty
// query matches nothing.
func (s *Service) SearchFiles(ctx context.Context, query string) []*Node {
	if query == "" {
		return nil
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	var out []*Node
	var rest []*Node
	s.root.walk(func(n *Node) {
		if n.Kind != KindFile {
			return
		}
		if strings.Contains(strings.ToLower(n.Name), needle) {
			out = append(out, n.Clone())
			return
		}
		rest = append(rest, n.Clone())
	})
	s.mu.RUnlock()

	// Content matching happens outside the lock: reads go to the runtime
	for _, n := range rest {
		content, err := s.runtime.ReadFile(ctx, n.Path)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(content)), needle) {
			out = append(out, n)
		}
	}
	return out
}

// ReadFile reads a file's content from the runtime. The cached tree is
// never used for content — the sandbox is authoritative.
func (s *Service) ReadFile(ctx context.Context, p string) ([]byte, error) {
	return s.runtime.ReadFile(ctx, cleanPath(p))
}

// CreateFile writes a new file, creating parent folders as needed.
// Creating a path that already exists overwrites it.
func (s *Service) CreateFile(ctx context.Context, p, content string) error {
	if err := s.createFile(ctx, p, content); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Service) createFile(ctx context.Context, p, content string) error {
	p = cleanPath(p)
	if p == "" {
		return fmt.Errorf("vfs: empty path")
	}
	if err := s.runtime.WriteFile(ctx, p, []byte(content)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir, name := splitPath(p)
	parent := s.root.ensureFolder(dir)
	if existing := parent.child(name); existing != nil {
		existing.Kind = KindFile
		existing.Content = content
		existing.Language = DetectLanguage(name)
		return nil
	}
	parent.Children = append(parent.Children, &Node{
		Kind:     KindFile,
		Name:     name,
		Path:     p,
		Content:  content,
		Language: DetectLanguage(name),
	})
	parent.sortChildren()
	return nil
}

// UpdateFile overwrites a file's content. Updating a path the tree does
// not know about is allowed — the runtime may have files the cache has
// not caught up with yet.
func (s *Service) UpdateFile(ctx context.Context, p, content string) error {
	return s.CreateFile(ctx, p, content)
}

// CreateDirectory creates a folder (and missing parents).
func (s *Service) CreateDirectory(ctx context.Context, p string) error {
	if err := s.createDirectory(ctx, p); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Service) createDirectory(ctx context.Context, p string) error {
	p = cleanPath(p)
	if p == "" {
		return fmt.Errorf("vfs: empty path")
	}
	if err := s.runtime.MkdirAll(ctx, p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root.ensureFolder(p)
	return nil
}

// Delete removes a file or folder subtree. Deleting a missing path is
// not an error.
func (s *Service) Delete(ctx context.Context, p string) error {
	if err := s.delete(ctx, p); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Service) delete(ctx context.Context, p string) error {
	p = cleanPath(p)
	if p == "" {
		return fmt.Errorf("vfs: refusing to delete root")
	}
	if err := s.runtime.Remove(ctx, p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, name := splitPath(p)
	if parent, ok := s.root.find(dir); ok {
		parent.removeChild(name)
	}
	return nil
}

// Rename moves a file. Folder rename is not supported and returns
// ErrNotImplemented.
func (s *Service) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := s.rename(ctx, oldPath, newPath); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Service) rename(ctx context.Context, oldPath, newPath string) error {
	oldPath = cleanPath(oldPath)
	newPath = cleanPath(newPath)
	if oldPath == "" || newPath == "" {
		return fmt.Errorf("vfs: empty path")
	}

	s.mu.RLock()
	node, ok := s.root.find(oldPath)
	isFolder := ok && node.Kind == KindFolder
	s.mu.RUnlock()

	if isFolder {
		return fmt.Errorf("%w: folder rename", ErrNotImplemented)
	}

	if err := s.runtime.Rename(ctx, oldPath, newPath); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	oldDir, oldName := splitPath(oldPath)
	var content string
	if parent, ok := s.root.find(oldDir); ok {
		if old := parent.child(oldName); old != nil {
			content = old.Content
		}
		parent.removeChild(oldName)
	}
	newDir, newName := splitPath(newPath)
	parent := s.root.ensureFolder(newDir)
	if parent.child(newName) == nil {
		parent.Children = append(parent.Children, &Node{
			Kind:     KindFile,
			Name:     newName,
			Path:     newPath,
			Content:  content,
			Language: DetectLanguage(newName),
		})
		parent.sortChildren()
	}
	return nil
}

// ApplyOperations applies a batch of operations. Per-operation failures
// are absorbed into the result rather than aborting the batch, and
// subscribers are notified exactly once at the end — never per item.
func (s *Service) ApplyOperations(ctx context.Context, ops []Operation) ApplyResult {
	var result ApplyResult
	for _, op := range ops {
		var err error
		switch op.Type {
		case OpCreate:
			err = s.createFile(ctx, op.Path, op.Content)
		case OpUpdate:
			err = s.createFile(ctx, op.Path, op.Content)
		case OpDelete:
			err = s.delete(ctx, op.Path)
		case OpRename:
			err = s.rename(ctx, op.Path, op.NewPath)
		case OpMkdir:
			err = s.createDirectory(ctx, op.Path)
		default:
			err = fmt.Errorf("vfs: unknown operation type %q", op.Type)
		}
		if err != nil {
			s.log.Warn("batch operation failed", "type", op.Type, "path", op.Path, "error", err)
			result.Failed = append(result.Failed, OpError{Op: op, Err: err})
			continue
		}
		result.Applied++
	}

	s.log.Info("batch applied", "applied", result.Applied, "failed", len(result.Failed))
	s.notify()
	return result
}

// Refresh rebuilds the tree from the runtime. The cached tree is only
// replaced when the structure actually differs, so steady-state polling
// does not churn subscribers. Returns whether the tree changed.
func (s *Service) Refresh(ctx context.Context) (bool, error) {
	entries, err := s.runtime.ReadTree(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read workspace tree: %w", err)
	}
	fresh := buildTree(entries)

	s.mu.Lock()
	if structuralEqual(s.root, fresh) {
		s.mu.Unlock()
		return false, nil
	}
	s.root = fresh
	s.mu.Unlock()

	s.log.Debug("tree refreshed", "entries", len(entries))
	return true, nil
}

// cleanPath normalizes a workspace-relative path.
func cleanPath(p string) string {
	p = path.Clean(strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/"))
	if p == "." {
		return ""
	}
	return p
}

// splitPath splits into parent directory ("" for root) and base name.
func splitPath(p string) (dir, name string) {
	dir = path.Dir(p)
	if dir == "." {
		dir = ""
	}
	return dir, path.Base(p)
}
