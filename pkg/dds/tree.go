package dds

import (
	"context"
	"fmt"
	"net/url"

	log "github.com/sirupsen/logrus"

	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/tree"
)

type childJSON struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash struct {
		Value     string `json:"value"`
		Algorithm string `json:"algorithm"`
	} `json:"hash"`
}

// FetchProjectTree returns the project's full content tree as the service
// reports it: every file carries its remote id, size, and fingerprint. The
// result is authoritative for what currently exists remotely.
func (c *Client) FetchProjectTree(ctx context.Context, project Project) (*tree.Node, error) {
	root := tree.NewProject(project.Name)
	root.RemoteID = project.ID
	if err := c.fetchChildren(ctx, root); err != nil {
		return nil, err
	}
	return root, nil
}

func (c *Client) fetchChildren(ctx context.Context, parent *tree.Node) error {
	var path string
	switch parent.Kind {
	case tree.KindProject:
		path = fmt.Sprintf("/projects/%s/children", url.PathEscape(parent.RemoteID))
	case tree.KindFolder:
		path = fmt.Sprintf("/folders/%s/children", url.PathEscape(parent.RemoteID))
	case tree.KindFile:
		return fmt.Errorf("file %q has no children to fetch", parent.Key())
	default:
		return fmt.Errorf("unexpected kind %s", parent.Kind)
	}

	var resp struct {
		Results []childJSON `json:"results"`
	}
	if err := c.doJSON(ctx, "GET", path, nil, &resp); err != nil {
		return errors.WithContext(err, "list children")
	}

	for _, child := range resp.Results {
		switch child.Kind {
		case tree.KindFolder.String():
			folder, err := parent.NewFolder(child.Name)
			if err != nil {
				return errors.WithContext(err, "add remote folder")
			}
			folder.RemoteID = child.ID
			if err := c.fetchChildren(ctx, folder); err != nil {
				return err
			}
		case tree.KindFile.String():
			file, err := parent.NewFile(child.Name, child.Size)
			if err != nil {
				return errors.WithContext(err, "add remote file")
			}
			file.RemoteID = child.ID
			if child.Hash.Algorithm == HashAlgorithm {
				file.Fingerprint = child.Hash.Value
			} else if child.Hash.Value != "" {
				// A fingerprint we can't compare is as good as none: the
				// differ will treat the file as changed.
				log.WithFields(log.Fields{
					"path":      file.Key(),
					"algorithm": child.Hash.Algorithm,
				}).Warn("Remote file uses an unsupported hash algorithm.")
			}
		default:
			return fmt.Errorf("remote listed unknown kind %q for %q", child.Kind, child.Name)
		}
	}
	return nil
}
