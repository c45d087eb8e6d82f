// Package vfs maintains the virtual file tree: an in-memory projection of
// the sandbox workspace that callers can read, search, and mutate. The
// sandbox is authoritative — every mutation goes to the runtime first and
// the cached tree is updated only after the runtime accepts it, with a
// polling reconciler (and an fsnotify watcher for local runtimes) healing
// any drift.
package vfs

import (
	"path"
	"sort"
	"strings"

	"github.com/zhubert/studio-core/sandbox"
)

// Kind distinguishes files from folders.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Node is one entry in the virtual file tree. Folder nodes carry
// Children; file nodes carry Language and Content. Content holds the
// last text written through the Service; nodes adopted from a runtime
// listing leave it empty, and reads always go to the runtime.
type Node struct {
	Kind     Kind    `json:"kind"`
	Name     string  `json:"name"`
	Path     string  `json:"path"` // workspace-relative, slash-separated; "" for the root
	Content  string  `json:"content,omitempty"`
	Language string  `json:"language,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// Clone returns a deep copy of the node and its subtree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		Kind:     n.Kind,
		Name:     n.Name,
		Path:     n.Path,
		Content:  n.Content,
		Language: n.Language,
	}
	if n.Children != nil {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// find walks the subtree for the node at the given path.
func (n *Node) find(target string) (*Node, bool) {
	if target == "" || target == "." {
		return n, true
	}
	segments := strings.Split(target, "/")
	cur := n
	for _, seg := range segments {
		var next *Node
		for _, c := range cur.Children {
			if c.Name == seg {
				next = c
				break
			}
		}
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// child returns the direct child with the given name.
func (n *Node) child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// removeChild removes the direct child with the given name. Returns true
// if something was removed.
func (n *Node) removeChild(name string) bool {
	for i, c := range n.Children {
		if c.Name == name {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return true
		}
	}
	return false
}

// sortChildren orders children folders-first, then alphabetically.
func (n *Node) sortChildren() {
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.Kind != b.Kind {
			return a.Kind == KindFolder
		}
		return a.Name < b.Name
	})
}

// ensureFolder walks to the folder at dir, creating intermediate folder
// nodes as needed. An empty dir returns the node itself.
func (n *Node) ensureFolder(dir string) *Node {
	if dir == "" || dir == "." {
		return n
	}
	cur := n
	for _, seg := range strings.Split(dir, "/") {
		next := cur.child(seg)
		if next == nil {
			childPath := seg
			if cur.Path != "" {
				childPath = cur.Path + "/" + seg
			}
			next = &Node{Kind: KindFolder, Name: seg, Path: childPath}
			cur.Children = append(cur.Children, next)
			cur.sortChildren()
		}
		cur = next
	}
	return cur
}

// walk visits every node in the subtree, files and folders, in
// depth-first order.
func (n *Node) walk(visit func(*Node)) {
	visit(n)
	for _, c := range n.Children {
		c.walk(visit)
	}
}

// structuralEqual reports whether two trees have the same shape: the same
// paths with the same kinds. Content and language are not compared.
func structuralEqual(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.Name != b.Name || a.Path != b.Path {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !structuralEqual(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// buildTree constructs a tree from a flat runtime listing.
func buildTree(entries []sandbox.FileEntry) *Node {
	root := &Node{Kind: KindFolder, Name: "root", Path: ""}
	for _, e := range entries {
		dir := path.Dir(e.Path)
		if dir == "." {
			dir = ""
		}
		parent := root.ensureFolder(dir)
		if e.IsDir {
			parent.ensureFolder(e.Name)
			continue
		}
		if parent.child(e.Name) == nil {
			parent.Children = append(parent.Children, &Node{
				Kind:     KindFile,
				Name:     e.Name,
				Path:     e.Path,
				Language: DetectLanguage(e.Name),
			})
			parent.sortChildren()
		}
	}
	return root
}

// DetectLanguage maps a filename to an editor language identifier, with
// "plaintext" as the fallback.
func DetectLanguage(name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".ts":
		return "typescript"
	case ".tsx":
		return "typescriptreact"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "javascriptreact"
	case ".json":
		return "json"
	case ".html", ".htm":
		return "html"
	case ".css":
		return "css"
	case ".scss":
		return "scss"
	case ".md":
		return "markdown"
	case ".yaml", ".yml":
		return "yaml"
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".sh", ".bash":
		return "shellscript"
	case ".svg":
		return "xml"
	default:
		return "plaintext"
	}
}
