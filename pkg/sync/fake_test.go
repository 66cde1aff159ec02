package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/chorusdata/dsync/pkg/dds"
	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/tree"
)

// fakeService is an in-memory data service. Tests queue errors against
// specific operations to exercise retry and failure handling; everything else
// behaves like the real service, including verifying assembled uploads
// against their declared hash.
type fakeService struct {
	mu sync.Mutex

	nextID  int
	folders map[string]folderRecord
	uploads map[string]*uploadRecord
	files   map[string]fileRecord

	// remoteContent is what FetchRange serves, keyed by file id.
	remoteContent map[string][]byte

	// fetchCalls records the offset and length of every FetchRange request.
	fetchCalls []fetchCall

	failures map[string][]error

	// When set, every UploadChunk call signals chunkStarted on entry and
	// then blocks until chunkGate is closed.
	chunkStarted chan string
	chunkGate    chan struct{}
}

type fetchCall struct {
	offset, length int64
}

type folderRecord struct {
	parent dds.Parent
	name   string
}

type uploadRecord struct {
	projectID   string
	name        string
	contentType string
	size        int64
	chunks      int
	hash        string
	got         map[int][]byte
	completed   bool
}

type fileRecord struct {
	parent   dds.Parent
	uploadID string
}

func newFakeService() *fakeService {
	return &fakeService{
		folders:       map[string]folderRecord{},
		uploads:       map[string]*uploadRecord{},
		files:         map[string]fileRecord{},
		remoteContent: map[string][]byte{},
		failures:      map[string][]error{},
	}
}

// failNext queues errors for an operation key. Each matching call pops one
// error until the queue drains, after which calls succeed.
func (f *fakeService) failNext(key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = append(f.failures[key], errs...)
}

func (f *fakeService) pop(key string) error {
	queued := f.failures[key]
	if len(queued) == 0 {
		return nil
	}
	f.failures[key] = queued[1:]
	return queued[0]
}

func (f *fakeService) newID() string {
	f.nextID++
	return fmt.Sprintf("id-%d", f.nextID)
}

func (f *fakeService) CreateFolder(ctx context.Context, parent dds.Parent, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.pop("folder " + name); err != nil {
		return "", err
	}
	id := f.newID()
	f.folders[id] = folderRecord{parent: parent, name: name}
	return id, nil
}

func (f *fakeService) CreateUpload(ctx context.Context, projectID, name, contentType string,
	size int64, chunks int, hash string) (string, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.pop("upload " + name); err != nil {
		return "", err
	}
	id := f.newID()
	f.uploads[id] = &uploadRecord{
		projectID:   projectID,
		name:        name,
		contentType: contentType,
		size:        size,
		chunks:      chunks,
		hash:        hash,
		got:         map[int][]byte{},
	}
	return id, nil
}

func (f *fakeService) UploadChunk(ctx context.Context, uploadID string, number int, data []byte) error {
	if f.chunkStarted != nil {
		f.chunkStarted <- fmt.Sprintf("%s %d", uploadID, number)
		<-f.chunkGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	upload, ok := f.uploads[uploadID]
	if !ok {
		return errors.NotFound{Resource: "upload " + uploadID}
	}
	if err := f.pop(fmt.Sprintf("chunk %d %s", number, upload.name)); err != nil {
		return err
	}
	upload.got[number] = append([]byte{}, data...)
	return nil
}

func (f *fakeService) CompleteUpload(ctx context.Context, uploadID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	upload, ok := f.uploads[uploadID]
	if !ok {
		return errors.NotFound{Resource: "upload " + uploadID}
	}
	if err := f.pop("complete " + upload.name); err != nil {
		return err
	}

	if len(upload.got) != upload.chunks {
		return fmt.Errorf("completed with %d of %d chunks", len(upload.got), upload.chunks)
	}
	if observed := tree.HashBytes(f.assembleLocked(uploadID)); observed != upload.hash {
		return errors.IntegrityError{Path: name, Expected: upload.hash, Observed: observed}
	}
	upload.completed = true
	return nil
}

func (f *fakeService) CreateFile(ctx context.Context, parent dds.Parent, uploadID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	upload, ok := f.uploads[uploadID]
	if !ok || !upload.completed {
		return "", errors.NotFound{Resource: "completed upload " + uploadID}
	}
	if err := f.pop("file " + upload.name); err != nil {
		return "", err
	}
	id := f.newID()
	f.files[id] = fileRecord{parent: parent, uploadID: uploadID}
	return id, nil
}

func (f *fakeService) FetchRange(ctx context.Context, fileID string, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchCalls = append(f.fetchCalls, fetchCall{offset: offset, length: length})
	if err := f.pop(fmt.Sprintf("fetch %s %d", fileID, offset)); err != nil {
		return nil, err
	}

	content, ok := f.remoteContent[fileID]
	if !ok {
		return nil, errors.NotFound{Resource: "file " + fileID}
	}
	if offset+length > int64(len(content)) {
		return nil, fmt.Errorf("range %d+%d beyond %d bytes", offset, length, len(content))
	}
	return append([]byte{}, content[offset:offset+length]...), nil
}

// assembled returns an upload's chunks concatenated in chunk number order.
func (f *fakeService) assembled(uploadID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assembleLocked(uploadID)
}

func (f *fakeService) assembleLocked(uploadID string) []byte {
	upload := f.uploads[uploadID]
	content := []byte{}
	for number := 0; number < upload.chunks; number++ {
		content = append(content, upload.got[number]...)
	}
	return content
}

// fileContent returns a registered file's assembled content by name.
func (f *fakeService) fileContent(name string) ([]byte, bool) {
	f.mu.Lock()
	var uploadID string
	for _, file := range f.files {
		if f.uploads[file.uploadID].name == name {
			uploadID = file.uploadID
		}
	}
	f.mu.Unlock()

	if uploadID == "" {
		return nil, false
	}
	return f.assembled(uploadID), true
}

// folderParent returns the parent reference of a created folder by name.
func (f *fakeService) folderParent(name string) (dds.Parent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, folder := range f.folders {
		if folder.name == name {
			return folder.parent, true
		}
	}
	return dds.Parent{}, false
}

// folderID returns the id of a created folder by name.
func (f *fakeService) folderID(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, folder := range f.folders {
		if folder.name == name {
			return id, true
		}
	}
	return "", false
}
