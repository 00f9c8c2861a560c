package principal

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-dev/caracal/pkg/persist"
)

// RegisterRequest carries the inputs for registering a new principal.
type RegisterRequest struct {
	Name         string
	Owner        string
	Metadata     map[string]string
	ParentID     string
	GenerateKeys bool
}

// Registry owns all principal records. It keeps an in-memory map under
// a coarse lock and snapshots the full set to disk on every mutation.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Principal
	byName map[string]string
	store  *persist.SnapshotStore
	clock  func() time.Time
	logger *slog.Logger
}

// NewRegistry opens (or creates) a registry persisted at path.
func NewRegistry(path string) (*Registry, error) {
	store, err := persist.NewSnapshotStore(path, -1)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		byID:   make(map[string]*Principal),
		byName: make(map[string]string),
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "principal_registry"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func (r *Registry) load() error {
	var records []*Principal
	found, err := r.store.Load(&records)
	if err != nil {
		r.logger.Warn("registry snapshot unreadable, trying backup", "error", err)
		found, err = r.store.LoadBackup(&records)
		if err != nil {
			return fmt.Errorf("principal: load registry: %w", err)
		}
	}
	if !found {
		return nil
	}
	for _, p := range records {
		r.byID[p.ID] = p
		r.byName[p.Name] = p.ID
	}
	return nil
}

// snapshotLocked persists all principals; callers hold the write lock.
func (r *Registry) snapshotLocked() error {
	records := make([]*Principal, 0, len(r.byID))
	for _, p := range r.byID {
		records = append(records, p)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return r.store.Save(records)
}

// Register creates a new principal. The name must be unique across the
// registry; a given parent must already exist. With GenerateKeys set, a
// fresh ECDSA-P256 pair is stored alongside the record.
func (r *Registry) Register(req RegisterRequest) (*Principal, error) {
	if req.Name == "" {
		return nil, ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[req.Name]; taken {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, req.Name)
	}
	if req.ParentID != "" {
		if _, ok := r.byID[req.ParentID]; !ok {
			return nil, fmt.Errorf("%w: parent %s", ErrNotFound, req.ParentID)
		}
	}

	p := &Principal{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Owner:     req.Owner,
		CreatedAt: r.clock().UTC(),
		Metadata:  req.Metadata,
		ParentID:  req.ParentID,
	}
	if req.GenerateKeys {
		keys, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		p.Keys = keys
	}

	r.byID[p.ID] = p
	r.byName[p.Name] = p.ID
	if err := r.snapshotLocked(); err != nil {
		delete(r.byID, p.ID)
		delete(r.byName, p.Name)
		return nil, err
	}

	r.logger.Info("principal registered", "principal_id", p.ID, "name", p.Name, "parent", p.ParentID)
	return p.clone(), nil
}

// Get returns the principal with the given ID, or nil.
func (r *Registry) Get(id string) *Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byID[id]; ok {
		return p.clone()
	}
	return nil
}

// GetByName returns the principal with the given name, or nil.
func (r *Registry) GetByName(name string) *Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byName[name]; ok {
		return r.byID[id].clone()
	}
	return nil
}

// ListAll returns every principal, ordered by creation time.
func (r *Registry) ListAll() []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Principal, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ChildrenOf returns the direct children of a principal.
func (r *Registry) ChildrenOf(id string) []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.childrenLocked(id)
}

func (r *Registry) childrenLocked(id string) []*Principal {
	var out []*Principal
	for _, p := range r.byID {
		if p.ParentID == id {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ChildrenIDs returns the IDs of a principal's direct children, in
// creation order. It exists so aggregation layers can depend on a
// narrow hierarchy view.
func (r *Registry) ChildrenIDs(id string) []string {
	children := r.ChildrenOf(id)
	out := make([]string, 0, len(children))
	for _, c := range children {
		out = append(out, c.ID)
	}
	return out
}

// DescendantsOf returns all transitive descendants via depth-first walk.
func (r *Registry) DescendantsOf(id string) []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Principal
	var walk func(string)
	walk = func(cur string) {
		for _, child := range r.childrenLocked(cur) {
			out = append(out, child)
			walk(child.ID)
		}
	}
	walk(id)
	return out
}

// UpdateParent reassigns a principal's parent. An empty newParentID
// detaches the principal. The proposed parent chain is walked to the
// root to reject cycles before any state changes.
func (r *Registry) UpdateParent(id, newParentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if newParentID != "" {
		if _, ok := r.byID[newParentID]; !ok {
			return fmt.Errorf("%w: parent %s", ErrNotFound, newParentID)
		}
		// Walk up from the proposed parent; reaching id means a cycle.
		for cur := newParentID; cur != ""; {
			if cur == id {
				return fmt.Errorf("%w: %s is a descendant of %s", ErrCycle, newParentID, id)
			}
			parent, ok := r.byID[cur]
			if !ok {
				break
			}
			cur = parent.ParentID
		}
	}

	prev := p.ParentID
	p.ParentID = newParentID
	if err := r.snapshotLocked(); err != nil {
		p.ParentID = prev
		return err
	}
	r.logger.Info("principal parent updated", "principal_id", id, "parent", newParentID)
	return nil
}

// AppendMetadata merges entries into a principal's metadata bag.
func (r *Registry) AppendMetadata(id string, md map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		p.Metadata[k] = v
	}
	return r.snapshotLocked()
}
