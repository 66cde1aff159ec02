package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/retry"
	"github.com/chorusdata/dsync/pkg/tree"
)

// fetchBytes is the most a single ranged read requests. Files are split
// across the worker pool in ranges of at least this size, and each range is
// fetched in requests of at most this size, so a worker never buffers more
// than one request's bytes. Variable so tests can shrink it.
var fetchBytes int64 = 20 * 1024 * 1024

// Downloader materializes a remote project tree into a local directory.
type Downloader struct {
	Service  DataService
	Workers  int
	Retry    retry.Policy
	Progress *Progress
}

type downloadRun struct {
	*Downloader

	dest   string
	sem    chan struct{}
	result *Result
	cancel context.CancelFunc

	fatalOnce sync.Once
	fatalErr  error
}

// Run downloads the remote tree under dest, which must be an empty or
// nonexistent directory. Directories are created up front; file contents are
// fetched in parallel ranges and verified against the remote fingerprint. As
// with uploads, per-file failures are recorded in the Result, and only
// run-poisoning failures are returned as an error.
func (d *Downloader) Run(ctx context.Context, remote *tree.Node, dest string) (*Result, error) {
	if err := validateDest(dest); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &downloadRun{
		Downloader: d,
		dest:       dest,
		sem:        make(chan struct{}, d.Workers),
		result:     &Result{},
		cancel:     cancel,
	}

	// Directories first, in tree order, so every file's parent exists before
	// any transfer starts.
	var files []*tree.Node
	err := tree.Walk(remote, func(node *tree.Node) error {
		if node.Kind == tree.KindFile {
			files = append(files, node)
			return nil
		}
		if err := fs.MkdirAll(run.localPath(node), 0755); err != nil {
			return errors.WithContext(err, "create directory")
		}
		if node.Kind == tree.KindFolder {
			run.result.Record(NodeResult{
				Key:    node.Key(),
				Kind:   node.Kind,
				Status: StatusCreated,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for _, file := range files {
		file := file
		wg.Add(1)
		go func() {
			defer wg.Done()
			run.downloadFile(ctx, file)
		}()
	}
	wg.Wait()

	return run.result, run.fatalErr
}

func validateDest(dest string) error {
	info, err := fs.Stat(dest)
	if os.IsNotExist(err) {
		if err := fs.MkdirAll(dest, 0755); err != nil {
			return errors.WithContext(err, "create destination")
		}
		return nil
	}
	if err != nil {
		return errors.WithContext(err, "stat destination")
	}

	if !info.IsDir() {
		return errors.ValidationError{Msg: fmt.Sprintf(
			"destination %q is not a directory", dest)}
	}

	entries, err := afero.ReadDir(fs, dest)
	if err != nil {
		return errors.WithContext(err, "read destination")
	}
	if len(entries) > 0 {
		return errors.ValidationError{Msg: fmt.Sprintf(
			"destination %q is not empty", dest)}
	}
	return nil
}

func (r *downloadRun) localPath(node *tree.Node) string {
	return filepath.Join(r.dest, filepath.FromSlash(node.Key()))
}

func (r *downloadRun) downloadFile(ctx context.Context, node *tree.Node) {
	defer r.Progress.FileDone()

	path := r.localPath(node)
	attempts := &attemptTracker{}

	if err := r.fetchContent(ctx, node, path, attempts); err != nil {
		fs.Remove(path)
		r.recordFailure(node, attempts.max(), err)
		return
	}

	if err := r.verify(node, path); err != nil {
		// A partial or corrupt file is worse than a missing one.
		fs.Remove(path)
		r.recordFailure(node, attempts.max(), err)
		return
	}

	r.result.Record(NodeResult{
		Key:      node.Key(),
		Kind:     node.Kind,
		Status:   StatusTransferred,
		RemoteID: node.RemoteID,
		Attempts: attempts.max(),
	})
}

func (r *downloadRun) fetchContent(ctx context.Context, node *tree.Node,
	path string, attempts *attemptTracker) error {

	file, err := fs.Create(path)
	if err != nil {
		return errors.WithContext(err, "create file")
	}
	defer file.Close()

	if node.Size == 0 {
		return nil
	}
	if err := file.Truncate(node.Size); err != nil {
		return errors.WithContext(err, "size file")
	}

	fileCtx, fileCancel := context.WithCancel(ctx)
	defer fileCancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	rangeSize := fetchRangeSize(node.Size, r.Workers)
	for offset := int64(0); offset < node.Size; offset += rangeSize {
		offset := offset
		length := node.Size - offset
		if length > rangeSize {
			length = rangeSize
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			err := r.fetchRange(fileCtx, node, file, offset, length, attempts)
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

// fetchRange fills file[offset, offset+length) with ranged reads of at most
// fetchBytes each, so the bytes in flight for this range never exceed one
// request's worth.
func (r *downloadRun) fetchRange(ctx context.Context, node *tree.Node,
	file afero.File, offset, length int64, attempts *attemptTracker) error {

	for start := offset; start < offset+length; start += fetchBytes {
		size := offset + length - start
		if size > fetchBytes {
			size = fetchBytes
		}

		var data []byte
		op := fmt.Sprintf("fetch %q at %d", node.Key(), start)
		n, err := r.call(ctx, op, func() error {
			var err error
			data, err = r.Service.FetchRange(ctx, node.RemoteID, start, size)
			return err
		})
		attempts.note(n)
		if err != nil {
			return err
		}

		if _, err := file.WriteAt(data, start); err != nil {
			return errors.WithContext(err, "write range")
		}
		r.Progress.AddBytes(size)
	}
	return nil
}

// verify recomputes the downloaded file's fingerprint and compares it to what
// the service reported. Files whose remote fingerprint used an unsupported
// algorithm have none recorded, and are accepted as-is.
func (r *downloadRun) verify(node *tree.Node, path string) error {
	if node.Fingerprint == "" {
		return nil
	}

	observed, err := tree.HashFile(fs, path)
	if err != nil {
		return errors.WithContext(err, "verify download")
	}
	if observed != node.Fingerprint {
		return errors.IntegrityError{
			Path:     node.Key(),
			Expected: node.Fingerprint,
			Observed: observed,
		}
	}
	return nil
}

func (r *downloadRun) call(ctx context.Context, op string, fn func() error) (int, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-r.sem }()

	return r.Retry.Do(ctx, op, fn)
}

func (r *downloadRun) recordFailure(node *tree.Node, attempts int, err error) {
	r.result.Record(NodeResult{
		Key:      node.Key(),
		Kind:     node.Kind,
		Status:   StatusFailed,
		Attempts: attempts,
		Err:      err,
	})

	if errors.IsAuth(err) {
		r.fatalOnce.Do(func() {
			r.fatalErr = err
			r.cancel()
		})
	}
}

// fetchRangeSize splits a file across the worker pool, but never below
// fetchBytes so small files aren't shredded into tiny requests.
func fetchRangeSize(size int64, workers int) int64 {
	rangeSize := (size + int64(workers) - 1) / int64(workers)
	if rangeSize < fetchBytes {
		return fetchBytes
	}
	return rangeSize
}
