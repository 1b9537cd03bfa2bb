package rpc

import (
	"context"
	"sync"

	"github.com/edup2p/caprpc/types"
)

// Resolver maps the object names of Restore requests to capabilities.
//
// Resolve runs on the connection loop, so it must not block.
// It returns a new handle the connection takes ownership of, or an error wrapping ErrUnknownObject.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*Client, error)
}

type ResolverFunc func(ctx context.Context, name string) (*Client, error)

func (f ResolverFunc) Resolve(ctx context.Context, name string) (*Client, error) {
	return f(ctx, name)
}

// RootMap is a Resolver backed by a fixed set of names, safe for concurrent use.
type RootMap struct {
	mu    sync.RWMutex
	roots map[string]*Client
}

func NewRootMap() *RootMap {
	return &RootMap{roots: make(map[string]*Client)}
}

// Set takes ownership of c, releasing whatever was stored under name before.
func (r *RootMap) Set(name string, c *Client) {
	r.mu.Lock()
	old := r.roots[name]
	r.roots[name] = c
	r.mu.Unlock()

	old.Release()
}

// Remove drops name, returning whether it was present.
func (r *RootMap) Remove(name string) bool {
	r.mu.Lock()
	c, ok := r.roots[name]
	delete(r.roots, name)
	r.mu.Unlock()

	c.Release()
	return ok
}

func (r *RootMap) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return types.SortedKeys(r.roots)
}

func (r *RootMap) Resolve(_ context.Context, name string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.roots[name]
	if !ok {
		return nil, unknownObject(name)
	}

	return c.AddRef(), nil
}

// Release drops every stored capability.
func (r *RootMap) Release() {
	r.mu.Lock()
	roots := r.roots
	r.roots = make(map[string]*Client)
	r.mu.Unlock()

	for _, name := range types.SortedKeys(roots) {
		roots[name].Release()
	}
}
