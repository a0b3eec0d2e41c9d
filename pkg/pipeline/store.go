package pipeline

import (
	"context"
	"sync"
)

// Lookup collaborators. Each returns (nil, nil) when the identifier is
// unknown; the engine maps that to the matching non-retriable not-found
// error. Implementations own their atomicity and caching.

// UserStore resolves users by identifier.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

// PipelineStore resolves pipelines by identifier.
type PipelineStore interface {
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
}

// NodeStore resolves nodes by identifier.
type NodeStore interface {
	GetNode(ctx context.Context, id string) (*Node, error)
}

// TemplateStore resolves templates by identifier.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
}

// Stores bundles the four lookup collaborators the engine needs.
type Stores struct {
	Users     UserStore
	Pipelines PipelineStore
	Nodes     NodeStore
	Templates TemplateStore
}

// MemoryStore is an in-memory implementation of all four lookup
// interfaces. It backs tests and local worker bootstrapping; production
// deployments plug in their own persistence.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User
	pipelines map[string]*Pipeline
	nodes     map[string]*Node
	templates map[string]*Template
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		pipelines: make(map[string]*Pipeline),
		nodes:     make(map[string]*Node),
		templates: make(map[string]*Template),
	}
}

// Stores returns the store bundled as every lookup collaborator.
func (m *MemoryStore) Stores() Stores {
	return Stores{Users: m, Pipelines: m, Nodes: m, Templates: m}
}

// PutUser stores a user record.
func (m *MemoryStore) PutUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutPipeline stores a pipeline record.
func (m *MemoryStore) PutPipeline(p *Pipeline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[p.ID] = p
}

// PutNode stores a node record.
func (m *MemoryStore) PutNode(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID] = n
}

// PutTemplate stores a template record.
func (m *MemoryStore) PutTemplate(t *Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

// GetUser implements UserStore.
func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[id], nil
}

// GetPipeline implements PipelineStore.
func (m *MemoryStore) GetPipeline(_ context.Context, id string) (*Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pipelines[id], nil
}

// GetNode implements NodeStore.
func (m *MemoryStore) GetNode(_ context.Context, id string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[id], nil
}

// GetTemplate implements TemplateStore.
func (m *MemoryStore) GetTemplate(_ context.Context, id string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.templates[id], nil
}
