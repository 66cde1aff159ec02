// Package tree defines the content node model shared by the local and remote
// sides of a sync: a project root containing folders and files, built once
// per operation and treated as an immutable snapshot.
package tree

import (
	"fmt"
	"strings"
	"sync"
)

// Kind is the closed set of node variants. A node's kind is fixed at
// construction and drives every downstream decision.
type Kind int

const (
	// KindProject is the root container of a synchronized tree. It's always
	// the root, and only ever the root.
	KindProject Kind = iota

	// KindFolder is a container nested under a project or another folder.
	KindFolder

	// KindFile is a leaf carrying content.
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindProject:
		return "project"
	case KindFolder:
		return "folder"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("unknown kind (%d)", int(k))
	}
}

// IsContainer returns whether nodes of this kind can hold children.
func (k Kind) IsContainer() bool {
	switch k {
	case KindProject, KindFolder:
		return true
	case KindFile:
		return false
	default:
		return false
	}
}

// Node is a single entry in a content tree. Local trees carry LocalPath and
// (lazily) Fingerprint; remote trees carry RemoteID, Fingerprint and Size as
// reported by the data service.
type Node struct {
	Kind Kind
	Name string

	// Path is the ordered sequence of ancestor names from the project root.
	// The root itself has an empty path.
	Path []string

	// Children preserves insertion order. Sibling names are unique.
	Children []*Node

	// Size is the byte length for files, and the sum of descendant file
	// sizes for containers.
	Size int64

	// FileCount is the number of descendant files, for containers.
	FileCount int

	// Fingerprint is the md5 hex digest of a file's content, once computed.
	// Containers have no fingerprint.
	Fingerprint string

	// RemoteID is the opaque identifier assigned by the data service once
	// the node exists there.
	RemoteID string

	// LocalPath is the filesystem location backing a local node.
	LocalPath string

	// ContentType is the detected MIME type for local files.
	ContentType string

	parent   *Node
	byName   map[string]*Node
	hashOnce sync.Once
	hashErr  error
}

// NewProject creates the root node of a tree.
func NewProject(name string) *Node {
	return &Node{Kind: KindProject, Name: name, byName: map[string]*Node{}}
}

// NewFolder creates a folder under n and returns it.
func (n *Node) NewFolder(name string) (*Node, error) {
	child := &Node{Kind: KindFolder, Name: name, byName: map[string]*Node{}}
	if err := n.attach(child); err != nil {
		return nil, err
	}
	return child, nil
}

// NewFile creates a file of the given size under n and returns it. The size
// is added to every ancestor's aggregate.
func (n *Node) NewFile(name string, size int64) (*Node, error) {
	child := &Node{Kind: KindFile, Name: name, Size: size}
	if err := n.attach(child); err != nil {
		return nil, err
	}

	for ancestor := n; ancestor != nil; ancestor = ancestor.parent {
		ancestor.Size += size
		ancestor.FileCount++
	}
	return child, nil
}

func (n *Node) attach(child *Node) error {
	if !n.Kind.IsContainer() {
		return fmt.Errorf("%s %q can't have children", n.Kind, n.Name)
	}
	if _, ok := n.byName[child.Name]; ok {
		return fmt.Errorf("%q already has a child named %q", n.Key(), child.Name)
	}

	child.parent = n
	child.Path = append(append([]string{}, n.Path...), n.pathComponent()...)
	n.byName[child.Name] = child
	n.Children = append(n.Children, child)
	return nil
}

// pathComponent returns the name contributed to descendants' paths. The
// project root contributes nothing: paths are relative to it.
func (n *Node) pathComponent() []string {
	if n.Kind == KindProject {
		return nil
	}
	return []string{n.Name}
}

// Child returns the child with the given name.
func (n *Node) Child(name string) (*Node, bool) {
	child, ok := n.byName[name]
	return child, ok
}

// Key returns the node's path joined with "/", used to match nodes across
// trees. The project root's key is empty.
func (n *Node) Key() string {
	if n.Kind == KindProject {
		return ""
	}
	return strings.Join(append(append([]string{}, n.Path...), n.Name), "/")
}

// ParentKey returns the key of the node's parent container.
func (n *Node) ParentKey() string {
	return strings.Join(n.Path, "/")
}

// Walk visits the tree preorder, so containers are always visited before
// their descendants. Returning an error stops the walk.
func Walk(n *Node, visit func(*Node) error) error {
	if err := visit(n); err != nil {
		return err
	}
	for _, child := range n.Children {
		if err := Walk(child, visit); err != nil {
			return err
		}
	}
	return nil
}

// Flatten returns every node in the tree keyed by path.
func Flatten(root *Node) map[string]*Node {
	byKey := map[string]*Node{}
	Walk(root, func(n *Node) error {
		byKey[n.Key()] = n
		return nil
	})
	return byKey
}
