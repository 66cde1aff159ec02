package tree

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chorusdata/dsync/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

const defaultContentType = "application/octet-stream"

// Options controls how the local tree builder walks the filesystem.
type Options struct {
	// Exclude skips entries whose name matches. Excluded entries are the
	// only thing the builder silently skips; everything else it can't
	// represent is an error.
	Exclude *regexp.Regexp

	// FollowSymlinks descends into symlink targets. Cycles are detected and
	// rejected. When false, any symlink is an error.
	FollowSymlinks bool
}

// BuildProject walks the given filesystem paths and returns an immutable
// content tree rooted at a project with the given name. Directories become
// folders and regular files become files; anything else (sockets, devices,
// unreadable entries) fails the build rather than being skipped.
func BuildProject(name string, paths []string, opts Options) (*Node, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.ValidationError{Msg: "project name must not be empty"}
	}
	if len(paths) == 0 {
		return nil, errors.ValidationError{Msg: "at least one path is required"}
	}

	root := NewProject(name)
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.WithContext(err, "resolve path")
		}

		info, err := lstat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.FileNotFound{Path: path}
			}
			return nil, errors.FilesystemError{Path: path, Reason: err.Error()}
		}

		info, err = maybeFollow(abs, info, opts)
		if err != nil {
			return nil, err
		}

		switch {
		case info.IsDir():
			err = buildFolder(root, filepath.Base(abs), abs, map[string]bool{}, opts)
		case info.Mode().IsRegular():
			err = addFile(root, filepath.Base(abs), abs, info.Size())
		default:
			err = errors.FilesystemError{Path: abs,
				Reason: fmt.Sprintf("unsupported file type %s", info.Mode())}
		}
		if err != nil {
			return nil, err
		}
	}
	return root, nil
}

func buildFolder(parent *Node, name, dirPath string, visiting map[string]bool, opts Options) error {
	resolved := dirPath
	if opts.FollowSymlinks {
		if evaled, err := filepath.EvalSymlinks(dirPath); err == nil {
			resolved = evaled
		}
	}
	if visiting[resolved] {
		return errors.FilesystemError{Path: dirPath, Reason: "symlink cycle detected"}
	}
	visiting[resolved] = true
	defer delete(visiting, resolved)

	folder, err := parent.NewFolder(name)
	if err != nil {
		return errors.WithContext(err, "add folder")
	}

	entries, err := afero.ReadDir(fs, dirPath)
	if err != nil {
		return errors.FilesystemError{Path: dirPath, Reason: err.Error()}
	}

	for _, entry := range entries {
		if opts.Exclude != nil && opts.Exclude.MatchString(entry.Name()) {
			log.WithField("path", filepath.Join(dirPath, entry.Name())).
				Debug("Skipping excluded entry")
			continue
		}

		childPath := filepath.Join(dirPath, entry.Name())
		info, err := maybeFollow(childPath, entry, opts)
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			err = buildFolder(folder, entry.Name(), childPath, visiting, opts)
		case info.Mode().IsRegular():
			err = addFile(folder, entry.Name(), childPath, info.Size())
		default:
			err = errors.FilesystemError{Path: childPath,
				Reason: fmt.Sprintf("unsupported file type %s", info.Mode())}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func addFile(parent *Node, name, path string, size int64) error {
	file, err := parent.NewFile(name, size)
	if err != nil {
		return errors.WithContext(err, "add file")
	}

	file.LocalPath = path
	file.ContentType = detectContentType(path)
	return nil
}

// maybeFollow resolves symlink entries when following is enabled, and rejects
// them otherwise. Non-symlink entries pass through untouched.
func maybeFollow(path string, info os.FileInfo, opts Options) (os.FileInfo, error) {
	if info.Mode()&os.ModeSymlink == 0 {
		return info, nil
	}

	if !opts.FollowSymlinks {
		return nil, errors.FilesystemError{Path: path,
			Reason: "symbolic links are not supported unless follow_symlinks is enabled"}
	}

	resolved, err := fs.Stat(path)
	if err != nil {
		return nil, errors.FilesystemError{Path: path, Reason: err.Error()}
	}
	return resolved, nil
}

func lstat(path string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return fs.Stat(path)
}

func detectContentType(path string) string {
	f, err := fs.Open(path)
	if err != nil {
		return defaultContentType
	}
	defer f.Close()

	mime, err := mimetype.DetectReader(f)
	if err != nil {
		return defaultContentType
	}
	return mime.String()
}

// ContentHash returns the md5 hex digest of the file's content, computing and
// caching it on first use. Only byte content feeds the hash, so the result is
// stable across platforms and unaffected by metadata.
func (n *Node) ContentHash() (string, error) {
	if n.Kind != KindFile {
		return "", fmt.Errorf("%s %q has no content hash", n.Kind, n.Name)
	}

	n.hashOnce.Do(func() {
		if n.Fingerprint != "" {
			// Already known, e.g. reported by the data service.
			return
		}
		n.Fingerprint, n.hashErr = HashFile(fs, n.LocalPath)
	})
	return n.Fingerprint, n.hashErr
}

// HashFile returns the md5 hex digest of the file at the given path. The
// algorithm must match what the data service verifies at finalize time.
func HashFile(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashBytes returns the md5 hex digest of a single chunk.
func HashBytes(data []byte) string {
	hasher := md5.New()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}
