package sync

import (
	"sync"

	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/tree"
)

// Status is the final disposition of one node after a run.
type Status int

const (
	// StatusCreated means a container was created (remotely for uploads,
	// locally for downloads).
	StatusCreated Status = iota

	// StatusTransferred means a file's content was moved successfully.
	StatusTransferred

	// StatusSkipped means the node already matched and nothing was done.
	StatusSkipped

	// StatusFailed means the node's operation failed after exhausting its
	// retries, or was abandoned because an ancestor failed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusTransferred:
		return "transferred"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NodeResult records what happened to one node.
type NodeResult struct {
	Key  string
	Kind tree.Kind

	Status   Status
	RemoteID string

	// Attempts is the largest number of tries any single network operation
	// for this node needed. 1 means everything succeeded first try.
	Attempts int

	Err error
}

// Result collects per-node outcomes from the scheduler's workers.
type Result struct {
	mu    sync.Mutex
	nodes []NodeResult
}

// Record adds one node outcome. Workers call it concurrently.
func (r *Result) Record(res NodeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, res)
}

// Nodes returns every recorded outcome. The order reflects completion, not
// the plan.
func (r *Result) Nodes() []NodeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]NodeResult{}, r.nodes...)
}

// Failed returns the outcomes for nodes that didn't complete.
func (r *Result) Failed() []NodeResult {
	var failed []NodeResult
	for _, node := range r.Nodes() {
		if node.Status == StatusFailed {
			failed = append(failed, node)
		}
	}
	return failed
}

// Err summarizes the run: nil if every node completed, and a friendly error
// naming the failure count otherwise.
func (r *Result) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return errors.NewFriendlyError(
		"%d of %d operations failed. The first failure was at %q: %s",
		len(failed), len(r.Nodes()), failed[0].Key, failed[0].Err)
}
