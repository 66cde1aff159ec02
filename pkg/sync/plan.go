package sync

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/tree"
)

// OpType is what the scheduler should do with one node.
type OpType int

const (
	// OpCreate creates a container that doesn't exist remotely.
	OpCreate OpType = iota

	// OpUpload sends a file's content, either because the file is new or
	// because its fingerprint changed.
	OpUpload

	// OpSkip leaves a node alone: a container that already exists, or a file
	// whose remote fingerprint and size already match the local content.
	OpSkip
)

func (t OpType) String() string {
	switch t {
	case OpCreate:
		return "create"
	case OpUpload:
		return "upload"
	case OpSkip:
		return "skip"
	default:
		return fmt.Sprintf("unknown op (%d)", int(t))
	}
}

// Operation pairs a local node with its remote counterpart, if one exists.
type Operation struct {
	Type   OpType
	Local  *tree.Node
	Remote *tree.Node
}

// Plan is the ordered list of operations that reconciles a local tree with
// the remote project. Operations are in preorder, so a container always
// precedes everything under it.
type Plan struct {
	Ops []Operation
}

// Counts returns how many operations of each type the plan holds.
func (p Plan) Counts() (creates, uploads, skips int) {
	for _, op := range p.Ops {
		switch op.Type {
		case OpCreate:
			creates++
		case OpUpload:
			uploads++
		case OpSkip:
			skips++
		}
	}
	return
}

// BuildUploadPlan diffs the local tree against the remote one. A local file
// whose remote counterpart has the same fingerprint and size is skipped;
// everything else is created or uploaded. Planning a second time after a
// successful run yields a plan of nothing but skips.
//
// Fingerprints are computed here, before any network work starts, so an
// unreadable file fails the run instead of a half-finished transfer.
func BuildUploadPlan(local, remote *tree.Node) (Plan, error) {
	remoteByKey := tree.Flatten(remote)

	var plan Plan
	err := tree.Walk(local, func(node *tree.Node) error {
		if node.Kind == tree.KindProject {
			return nil
		}

		counterpart, exists := remoteByKey[node.Key()]
		if exists && counterpart.Kind.IsContainer() != node.Kind.IsContainer() {
			return errors.ValidationError{Msg: fmt.Sprintf(
				"%q is a %s locally but a %s remotely",
				node.Key(), node.Kind, counterpart.Kind)}
		}

		op, err := planNode(node, counterpart, exists)
		if err != nil {
			return err
		}
		plan.Ops = append(plan.Ops, op)
		return nil
	})
	if err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func planNode(node, counterpart *tree.Node, exists bool) (Operation, error) {
	if node.Kind.IsContainer() {
		if exists {
			return Operation{Type: OpSkip, Local: node, Remote: counterpart}, nil
		}
		return Operation{Type: OpCreate, Local: node}, nil
	}

	if !exists {
		return Operation{Type: OpUpload, Local: node}, nil
	}

	fingerprint, err := node.ContentHash()
	if err != nil {
		return Operation{}, errors.WithContext(err, "fingerprint local file")
	}

	if fingerprint != counterpart.Fingerprint {
		return Operation{Type: OpUpload, Local: node, Remote: counterpart}, nil
	}
	if node.Size != counterpart.Size {
		// Matching fingerprints with differing sizes means one of the records
		// is corrupt. Re-uploading resolves it in the local content's favor.
		log.WithFields(log.Fields{
			"path":       node.Key(),
			"localSize":  node.Size,
			"remoteSize": counterpart.Size,
		}).Warn("Fingerprints match but sizes differ. Re-uploading.")
		return Operation{Type: OpUpload, Local: node, Remote: counterpart}, nil
	}
	return Operation{Type: OpSkip, Local: node, Remote: counterpart}, nil
}
