package treesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/filetree/internal/filetree"
)

// stubSuffix marks mirrored leaf entries on disk. The file holds the entry's
// identity; its location in the mirror is the entry's path.
const stubSuffix = ".entry.json"

// Literal "/" in a display name cannot appear in a file name, so it is
// mirrored as U+2215 (division slash) and mapped back on push.
const slashStandIn = "∕"

type SyncerOptions struct {
	TeamID    string
	LocalRoot string
	StateFile string
	Logger    *zerolog.Logger
}

type Syncer struct {
	client    RemoteClient
	teamID    string
	localRoot string
	stateFile string
	logger    zerolog.Logger
	state     syncState
	loaded    bool
}

type syncState struct {
	// Entries is keyed by entry ID.
	Entries map[string]trackedEntry `json:"entries"`
}

type trackedEntry struct {
	Path     string `json:"path"`
	LocalRel string `json:"localRel"`
}

type entryStub struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Ref  string         `json:"ref,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	teamID := strings.TrimSpace(opts.TeamID)
	if teamID == "" {
		return nil, fmt.Errorf("team id is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, ".filetree-sync-state.json")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		client:    client,
		teamID:    teamID,
		localRoot: localRoot,
		stateFile: stateFile,
		logger:    logger,
		state: syncState{
			Entries: map[string]trackedEntry{},
		},
	}, nil
}

// SyncOnce pushes local moves, deletes and new stubs to the server, then
// mirrors the server's tree back to the local root.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	if err := s.pushLocal(ctx); err != nil {
		return err
	}
	if err := s.pullRemote(ctx); err != nil {
		return err
	}
	return s.saveState()
}

func (s *Syncer) pushLocal(ctx context.Context) error {
	stubs, err := s.scanLocalStubs()
	if err != nil {
		return err
	}

	localByID := map[string]string{}
	newRels := []string{}
	for rel, stub := range stubs {
		if stub.ID == "" {
			newRels = append(newRels, rel)
			continue
		}
		localByID[stub.ID] = rel
	}

	trackedIDs := make([]string, 0, len(s.state.Entries))
	for id := range s.state.Entries {
		trackedIDs = append(trackedIDs, id)
	}
	sort.Strings(trackedIDs)

	for _, id := range trackedIDs {
		tracked := s.state.Entries[id]
		rel, ok := localByID[id]
		if !ok {
			if err := s.client.DeleteEntry(ctx, s.teamID, id); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			s.logger.Info().Str("id", id).Str("path", tracked.Path).Msg("deleted remote entry")
			delete(s.state.Entries, id)
			continue
		}
		if rel == tracked.LocalRel {
			continue
		}
		newPath, err := virtualPathFromRel(rel)
		if err != nil {
			s.logger.Warn().Str("rel", rel).Err(err).Msg("skipping unmappable local move")
			continue
		}
		moved, err := s.client.MoveEntry(ctx, s.teamID, id, newPath)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				delete(s.state.Entries, id)
				continue
			}
			return err
		}
		s.logger.Info().Str("id", id).Str("from", tracked.Path).Str("to", moved.Path).Msg("moved remote entry")
		s.state.Entries[id] = trackedEntry{Path: moved.Path, LocalRel: rel}
	}

	// Stubs dropped into the mirror without an id become new remote entries.
	sort.Strings(newRels)
	for _, rel := range newRels {
		stub := stubs[rel]
		if strings.TrimSpace(stub.Type) == "" {
			s.logger.Warn().Str("rel", rel).Msg("skipping stub without type")
			continue
		}
		path, err := virtualPathFromRel(rel)
		if err != nil {
			s.logger.Warn().Str("rel", rel).Err(err).Msg("skipping unmappable stub")
			continue
		}
		created, err := s.client.CreateEntry(ctx, s.teamID, path, stub.Type, stub.Meta)
		if err != nil {
			return err
		}
		if err := s.writeStub(rel, created); err != nil {
			return err
		}
		s.state.Entries[created.ID] = trackedEntry{Path: created.Path, LocalRel: rel}
		s.logger.Info().Str("id", created.ID).Str("path", created.Path).Msg("created remote entry")
	}
	return nil
}

func (s *Syncer) pullRemote(ctx context.Context) error {
	remote := map[string]filetree.Entry{}
	offset := 0
	for {
		page, err := s.client.ListEntries(ctx, s.teamID, 500, offset)
		if err != nil {
			return err
		}
		for _, entry := range page.Results {
			remote[entry.ID] = entry
		}
		offset += len(page.Results)
		if len(page.Results) == 0 || offset >= page.Count {
			break
		}
	}

	seenRels := map[string]string{}
	ids := make([]string, 0, len(remote))
	for id := range remote {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if remote[ids[i]].Path != remote[ids[j]].Path {
			return remote[ids[i]].Path < remote[ids[j]].Path
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		entry := remote[id]
		rel, err := localRelForEntry(entry)
		if err != nil {
			s.logger.Warn().Str("id", id).Str("path", entry.Path).Err(err).Msg("skipping unmappable entry")
			continue
		}
		if entry.Type == filetree.FolderType {
			if err := os.MkdirAll(filepath.Join(s.localRoot, rel), 0o755); err != nil {
				return err
			}
			continue
		}
		if owner, taken := seenRels[rel]; taken {
			s.logger.Warn().Str("id", id).Str("conflictsWith", owner).Str("path", entry.Path).Msg("duplicate leaf path; keeping first")
			continue
		}
		seenRels[rel] = id
		if tracked, ok := s.state.Entries[id]; ok && tracked.LocalRel != rel {
			_ = os.Remove(filepath.Join(s.localRoot, tracked.LocalRel))
		}
		if err := s.writeStub(rel, entry); err != nil {
			return err
		}
		s.state.Entries[id] = trackedEntry{Path: entry.Path, LocalRel: rel}
	}

	for id, tracked := range s.state.Entries {
		if _, ok := remote[id]; ok {
			continue
		}
		_ = os.Remove(filepath.Join(s.localRoot, tracked.LocalRel))
		delete(s.state.Entries, id)
	}
	return nil
}

func (s *Syncer) scanLocalStubs() (map[string]entryStub, error) {
	results := map[string]entryStub{}
	err := filepath.WalkDir(s.localRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), stubSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.localRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var stub entryStub
		if err := json.Unmarshal(data, &stub); err != nil {
			s.logger.Warn().Str("rel", rel).Msg("ignoring malformed stub")
			return nil
		}
		results[rel] = stub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Syncer) writeStub(rel string, entry filetree.Entry) error {
	localPath := filepath.Join(s.localRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entryStub{
		ID:   entry.ID,
		Type: entry.Type,
		Ref:  entry.Ref,
		Meta: entry.Meta,
	}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if current, readErr := os.ReadFile(localPath); readErr == nil && bytes.Equal(current, data) {
		return nil
	}
	return writeFileAtomic(localPath, data, 0o644)
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state.Entries = map[string]trackedEntry{}
			return nil
		}
		return err
	}
	var state syncState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Entries == nil {
		state.Entries = map[string]trackedEntry{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

// localRelForEntry maps an entry's virtual path to a slash-separated path
// under the mirror root. Leaves get the stub suffix.
func localRelForEntry(entry filetree.Entry) (string, error) {
	segments := filetree.SplitPath(entry.Path)
	if len(segments) == 0 {
		return "", fmt.Errorf("path %q has no segments", entry.Path)
	}
	parts := make([]string, len(segments))
	for i, segment := range segments {
		name := SegmentFileName(segment)
		if name == "" || name == "." || name == ".." {
			return "", fmt.Errorf("segment %q cannot be mirrored", segment)
		}
		parts[i] = name
	}
	rel := strings.Join(parts, "/")
	if entry.Type != filetree.FolderType {
		rel += stubSuffix
	}
	return rel, nil
}

// virtualPathFromRel is the inverse of localRelForEntry for leaf stubs.
func virtualPathFromRel(rel string) (string, error) {
	rel = strings.TrimSuffix(filepath.ToSlash(rel), stubSuffix)
	parts := strings.Split(rel, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if part == "." || part == ".." {
			return "", fmt.Errorf("rel %q escapes the mirror root", rel)
		}
		segments = append(segments, FileNameSegment(part))
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("rel %q has no segments", rel)
	}
	return filetree.JoinPath(segments), nil
}

// SegmentFileName maps one unescaped path segment to a mirror file name.
func SegmentFileName(segment string) string {
	return strings.ReplaceAll(segment, "/", slashStandIn)
}

// FileNameSegment is the inverse of SegmentFileName.
func FileNameSegment(name string) string {
	return strings.ReplaceAll(name, slashStandIn, "/")
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
