package sync

import (
	"context"
	"sync"

	"github.com/chorusdata/dsync/pkg/dds"
	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/tree"
)

// containerTracker hands out remote container ids as they become known, so a
// node's transfer can start the moment its parent exists remotely without the
// scheduler imposing any global ordering. Waiters block until the container
// is resolved or its creation fails; a failure cascades to everything waiting
// under it.
type containerTracker struct {
	mu      sync.Mutex
	entries map[string]*containerEntry
}

type containerEntry struct {
	ready chan struct{}
	id    string
	err   error
}

func newContainerTracker() *containerTracker {
	return &containerTracker{entries: map[string]*containerEntry{}}
}

func (t *containerTracker) entry(key string) *containerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		entry = &containerEntry{ready: make(chan struct{})}
		t.entries[key] = entry
	}
	return entry
}

// publish records that the container at key now exists remotely with the
// given id, waking every waiter.
func (t *containerTracker) publish(key, id string) {
	entry := t.entry(key)
	entry.id = id
	close(entry.ready)
}

// fail records that the container at key could not be created. Waiters
// receive the error and are expected to give up.
func (t *containerTracker) fail(key string, err error) {
	entry := t.entry(key)
	entry.err = err
	close(entry.ready)
}

// wait blocks until the container at key is resolved.
func (t *containerTracker) wait(ctx context.Context, key string) (string, error) {
	entry := t.entry(key)
	select {
	case <-entry.ready:
		if entry.err != nil {
			return "", errors.WithContext(entry.err, "parent unavailable")
		}
		return entry.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// parentOf returns the dds parent reference for a node, waiting until the
// parent container has a remote id. The project root is the parent of every
// top level node.
func (t *containerTracker) parentOf(ctx context.Context, node *tree.Node) (dds.Parent, error) {
	key := node.ParentKey()
	id, err := t.wait(ctx, key)
	if err != nil {
		return dds.Parent{}, err
	}

	kind := tree.KindFolder
	if key == "" {
		kind = tree.KindProject
	}
	return dds.Parent{Kind: kind, ID: id}, nil
}
