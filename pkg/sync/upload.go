package sync

import (
	"context"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/retry"
	"github.com/chorusdata/dsync/pkg/tree"
)

// fs will be overridden in mock tests.
var fs = afero.NewOsFs()

// Uploader executes an upload plan against the data service.
type Uploader struct {
	Service       DataService
	Workers       int
	BytesPerChunk int64
	Retry         retry.Policy
	Progress      *Progress
}

type uploadRun struct {
	*Uploader

	projectID string
	sem       chan struct{}
	tracker   *containerTracker
	result    *Result
	cancel    context.CancelFunc

	fatalOnce sync.Once
	fatalErr  error
}

// Run executes the plan. Every operation runs as soon as its parent container
// has a remote id, with at most Workers network calls in flight. Per-node
// failures are recorded in the Result and don't stop other nodes; the
// returned error is non-nil only for failures that poison the whole run, such
// as rejected credentials.
func (u *Uploader) Run(ctx context.Context, projectID string, plan Plan) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &uploadRun{
		Uploader:  u,
		projectID: projectID,
		sem:       make(chan struct{}, u.Workers),
		tracker:   newContainerTracker(),
		result:    &Result{},
		cancel:    cancel,
	}
	run.tracker.publish("", projectID)

	// Containers that already exist remotely resolve immediately, so their
	// descendants never wait.
	for _, op := range plan.Ops {
		if op.Type == OpSkip && op.Local.Kind.IsContainer() {
			run.tracker.publish(op.Local.Key(), op.Remote.RemoteID)
		}
	}

	var wg sync.WaitGroup
	for _, op := range plan.Ops {
		op := op
		switch {
		case op.Type == OpSkip:
			run.recordSkip(op)
		case op.Type == OpCreate:
			wg.Add(1)
			go func() {
				defer wg.Done()
				run.createContainer(ctx, op)
			}()
		case op.Type == OpUpload:
			wg.Add(1)
			go func() {
				defer wg.Done()
				run.uploadFile(ctx, op)
			}()
		}
	}
	wg.Wait()

	return run.result, run.fatalErr
}

func (r *uploadRun) recordSkip(op Operation) {
	res := NodeResult{
		Key:    op.Local.Key(),
		Kind:   op.Local.Kind,
		Status: StatusSkipped,
	}
	if op.Remote != nil {
		res.RemoteID = op.Remote.RemoteID
	}
	r.result.Record(res)

	if op.Local.Kind == tree.KindFile {
		r.Progress.SkipBytes(op.Local.Size)
		r.Progress.FileDone()
	}
}

func (r *uploadRun) createContainer(ctx context.Context, op Operation) {
	key := op.Local.Key()
	parent, err := r.tracker.parentOf(ctx, op.Local)
	if err != nil {
		r.tracker.fail(key, err)
		r.recordFailure(op, 0, err)
		return
	}

	var id string
	attempts, err := r.call(ctx, "create folder", func() error {
		var err error
		id, err = r.Service.CreateFolder(ctx, parent, op.Local.Name)
		return err
	})
	if err != nil {
		r.tracker.fail(key, err)
		r.recordFailure(op, attempts, err)
		return
	}

	r.tracker.publish(key, id)
	r.result.Record(NodeResult{
		Key:      key,
		Kind:     op.Local.Kind,
		Status:   StatusCreated,
		RemoteID: id,
		Attempts: attempts,
	})
}

func (r *uploadRun) uploadFile(ctx context.Context, op Operation) {
	defer r.Progress.FileDone()
	node := op.Local

	parent, err := r.tracker.parentOf(ctx, node)
	if err != nil {
		r.recordFailure(op, 0, err)
		return
	}

	hash, err := node.ContentHash()
	if err != nil {
		r.recordFailure(op, 0, err)
		return
	}

	chunks := chunkCount(node.Size, r.BytesPerChunk)
	attempts := &attemptTracker{}

	var uploadID string
	n, err := r.call(ctx, "create upload", func() error {
		var err error
		uploadID, err = r.Service.CreateUpload(ctx, r.projectID, node.Name,
			node.ContentType, node.Size, chunks, hash)
		return err
	})
	attempts.note(n)
	if err != nil {
		r.recordFailure(op, attempts.max(), err)
		return
	}

	if err := r.uploadChunks(ctx, node, uploadID, chunks, attempts); err != nil {
		r.recordFailure(op, attempts.max(), err)
		return
	}

	n, err = r.call(ctx, "complete upload", func() error {
		return r.Service.CompleteUpload(ctx, uploadID, node.Key())
	})
	attempts.note(n)
	if err != nil {
		r.recordFailure(op, attempts.max(), err)
		return
	}

	var fileID string
	n, err = r.call(ctx, "register file", func() error {
		var err error
		fileID, err = r.Service.CreateFile(ctx, parent, uploadID)
		return err
	})
	attempts.note(n)
	if err != nil {
		r.recordFailure(op, attempts.max(), err)
		return
	}

	r.result.Record(NodeResult{
		Key:      node.Key(),
		Kind:     node.Kind,
		Status:   StatusTransferred,
		RemoteID: fileID,
		Attempts: attempts.max(),
	})
}

// uploadChunks sends every chunk of a file concurrently. The first chunk to
// fail cancels the file's remaining chunks without disturbing other files.
func (r *uploadRun) uploadChunks(ctx context.Context, node *tree.Node,
	uploadID string, chunks int, attempts *attemptTracker) error {

	file, err := fs.Open(node.LocalPath)
	if err != nil {
		return errors.WithContext(err, "open for upload")
	}
	defer file.Close()

	fileCtx, fileCancel := context.WithCancel(ctx)
	defer fileCancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for number := 0; number < chunks; number++ {
		number := number
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := r.uploadChunk(fileCtx, file, node, uploadID, number, attempts)
			if err == nil {
				return
			}

			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			fileCancel()
		}()
	}
	wg.Wait()
	return firstErr
}

func (r *uploadRun) uploadChunk(ctx context.Context, file afero.File,
	node *tree.Node, uploadID string, number int, attempts *attemptTracker) error {

	offset := int64(number) * r.BytesPerChunk
	length := node.Size - offset
	if length > r.BytesPerChunk {
		length = r.BytesPerChunk
	}

	op := fmt.Sprintf("upload chunk %d of %q", number, node.Key())
	n, err := r.call(ctx, op, func() error {
		// The chunk is read inside the worker slot, so at most Workers chunk
		// buffers are ever live regardless of how many chunks a file has. An
		// empty file still uploads a single empty chunk so the service has
		// content to assemble and verify.
		data := make([]byte, length)
		if length > 0 {
			read, err := file.ReadAt(data, offset)
			if err == io.EOF && read == len(data) {
				// A ReaderAt may report EOF together with a full read of the
				// file's final bytes.
				err = nil
			}
			if err != nil {
				return errors.WithContext(err, fmt.Sprintf("read chunk %d", number))
			}
		}
		return r.Service.UploadChunk(ctx, uploadID, number, data)
	})
	attempts.note(n)
	if err != nil {
		return err
	}

	r.Progress.AddBytes(length)
	return nil
}

// call runs fn under the retry policy while holding a worker slot.
func (r *uploadRun) call(ctx context.Context, op string, fn func() error) (int, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-r.sem }()

	return r.Retry.Do(ctx, op, fn)
}

func (r *uploadRun) recordFailure(op Operation, attempts int, err error) {
	log.WithError(err).WithField("path", op.Local.Key()).Debug("Operation failed.")
	r.result.Record(NodeResult{
		Key:      op.Local.Key(),
		Kind:     op.Local.Kind,
		Status:   StatusFailed,
		Attempts: attempts,
		Err:      err,
	})

	// Rejected credentials fail every subsequent call too, so stop the run
	// rather than grind through guaranteed failures.
	if errors.IsAuth(err) {
		r.fatalOnce.Do(func() {
			r.fatalErr = err
			r.cancel()
		})
	}
}

func chunkCount(size, bytesPerChunk int64) int {
	if size == 0 {
		return 1
	}
	return int((size + bytesPerChunk - 1) / bytesPerChunk)
}

// attemptTracker remembers the worst retry count any single call needed.
type attemptTracker struct {
	mu sync.Mutex
	n  int
}

func (a *attemptTracker) note(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.n {
		a.n = n
	}
}

func (a *attemptTracker) max() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
