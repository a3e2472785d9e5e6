// Package fusetree exposes a team's file tree as a read-only FUSE
// filesystem. Folders become directories; every other entry becomes a small
// JSON file describing the entry's identity.
package fusetree

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/agentworkforce/filetree/internal/filetree"
	"github.com/agentworkforce/filetree/internal/treesync"
)

// Root builds the FUSE tree from a snapshot of entries when it is mounted.
type Root struct {
	fs.Inode

	entries []filetree.Entry
}

var _ fs.NodeOnAdder = (*Root)(nil)

func NewRoot(entries []filetree.Entry) *Root {
	return &Root{entries: entries}
}

func (r *Root) OnAdd(ctx context.Context) {
	for _, entry := range orderedEntries(r.entries) {
		segments := filetree.SplitPath(entry.Path)
		if len(segments) == 0 {
			continue
		}
		names := make([]string, len(segments))
		skip := false
		for i, segment := range segments {
			name := treesync.SegmentFileName(segment)
			if name == "" || name == "." || name == ".." {
				skip = true
				break
			}
			names[i] = name
		}
		if skip {
			continue
		}

		parent := &r.Inode
		dirNames := names
		leafName := ""
		if entry.Type != filetree.FolderType {
			dirNames = names[:len(names)-1]
			leafName = names[len(names)-1] + ".entry.json"
		}
		for _, name := range dirNames {
			child := parent.GetChild(name)
			if child == nil {
				child = parent.NewPersistentInode(ctx, &fs.Inode{}, fs.StableAttr{Mode: fuse.S_IFDIR})
				parent.AddChild(name, child, true)
			}
			parent = child
		}
		if leafName == "" {
			continue
		}
		if parent.GetChild(leafName) != nil {
			// Duplicate leaf paths are legal server-side; the mount keeps
			// the first one.
			continue
		}
		leaf := parent.NewPersistentInode(ctx, &fs.MemRegularFile{
			Data: renderEntry(entry),
			Attr: fuse.Attr{Mode: 0o444},
		}, fs.StableAttr{})
		parent.AddChild(leafName, leaf, true)
	}
}

// Mount serves the snapshot at mountpoint until the returned server is
// unmounted.
func Mount(mountpoint string, entries []filetree.Entry, debug bool) (*fuse.Server, error) {
	return fs.Mount(mountpoint, NewRoot(entries), &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "filetree",
			Name:   "filetree",
			Debug:  debug,
		},
	})
}

func orderedEntries(entries []filetree.Entry) []filetree.Entry {
	out := make([]filetree.Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func renderEntry(entry filetree.Entry) []byte {
	data, err := json.MarshalIndent(struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		Ref  string         `json:"ref,omitempty"`
		Meta map[string]any `json:"meta,omitempty"`
	}{
		ID:   entry.ID,
		Type: entry.Type,
		Ref:  entry.Ref,
		Meta: entry.Meta,
	}, "", "  ")
	if err != nil {
		return []byte("{}\n")
	}
	return append(data, '\n')
}
