package config

import (
	"time"
)

// Workspace represents a sandbox workspace: a directory holding one
// project's files plus the template it was initialized from.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Root      string    `json:"root"`
	Template  string    `json:"template,omitempty"` // Starter template name, empty for blank workspaces
	CreatedAt time.Time `json:"created_at"`
}

// AddWorkspace adds a new workspace
func (c *Config) AddWorkspace(ws Workspace) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Workspaces = append(c.Workspaces, ws)
}

// RemoveWorkspace removes a workspace by ID.
// Returns true if the workspace was found and removed, false otherwise.
func (c *Config) RemoveWorkspace(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, ws := range c.Workspaces {
		if ws.ID == id {
			c.Workspaces = append(c.Workspaces[:i], c.Workspaces[i+1:]...)
			return true
		}
	}
	return false
}

// GetWorkspace returns the workspace with the given ID, or false if not found.
func (c *Config) GetWorkspace(id string) (Workspace, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ws := range c.Workspaces {
		if ws.ID == id {
			return ws, true
		}
	}
	return Workspace{}, false
}

// GetWorkspaces returns a copy of the workspaces slice
func (c *Config) GetWorkspaces() []Workspace {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Workspace, len(c.Workspaces))
	copy(out, c.Workspaces)
	return out
}

// FindWorkspaceByRoot returns the workspace whose root refers to the same
// filesystem entry as path, or false if none matches.
func (c *Config) FindWorkspaceByRoot(path string) (Workspace, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ws := range c.Workspaces {
		if SamePath(ws.Root, path) {
			return ws, true
		}
	}
	return Workspace{}, false
}

// UpdateWorkspace replaces the workspace with the same ID.
// Returns true if the workspace was found and updated.
func (c *Config) UpdateWorkspace(ws Workspace) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Workspaces {
		if c.Workspaces[i].ID == ws.ID {
			c.Workspaces[i] = ws
			return true
		}
	}
	return false
}
