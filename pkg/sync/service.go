// Package sync plans and executes one-shot transfers between a local
// directory tree and a project in the data service. Planning compares the two
// trees by path; execution runs the resulting operations on a bounded worker
// pool, with containers created before their children and chunk transfers
// retried independently.
package sync

import (
	"context"

	"github.com/chorusdata/dsync/pkg/dds"
)

// DataService is the slice of the data service API the schedulers drive.
// *dds.Client implements it; tests substitute an in-memory fake.
type DataService interface {
	CreateFolder(ctx context.Context, parent dds.Parent, name string) (string, error)
	CreateUpload(ctx context.Context, projectID, name, contentType string,
		size int64, chunks int, hash string) (string, error)
	UploadChunk(ctx context.Context, uploadID string, number int, data []byte) error
	CompleteUpload(ctx context.Context, uploadID, name string) error
	CreateFile(ctx context.Context, parent dds.Parent, uploadID string) (string, error)
	FetchRange(ctx context.Context, fileID string, offset, length int64) ([]byte, error)
}
