// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("sashimono.config")

// Vote is a governance vote for a candidate.
type Vote string

const (
	VoteSupport Vote = "support"
	VoteReject  Vote = "reject"
)

// GovernanceStore reads and writes the governance vote file, a JSON mapping
// of candidate id to vote. The file may be edited externally at any time, so
// the cached copy is invalidated by a filesystem watch.
type GovernanceStore struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cache   map[string]Vote
	stale   bool
}

// NewGovernanceStore opens the vote file at path, creating an empty one if
// none exists.
func NewGovernanceStore(path string) (*GovernanceStore, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}\n"), 0600); err != nil {
			return nil, errors.Annotate(err, "creating governance file")
		}
	}
	s := &GovernanceStore{path: path, stale: true}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Annotate(err, "creating governance watcher")
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, errors.Annotatef(err, "watching governance file %q", path)
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *GovernanceStore) watch() {
	for {
		select {
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.mu.Lock()
			s.stale = true
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warningf("governance file watch: %v", err)
		}
	}
}

// Votes returns the current candidate votes.
func (s *GovernanceStore) Votes() (map[string]Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, errors.Trace(err)
	}
	votes := make(map[string]Vote, len(s.cache))
	for id, v := range s.cache {
		votes[id] = v
	}
	return votes, nil
}

// DeleteCandidate removes a candidate whose vote the ledger hook rejected.
func (s *GovernanceStore) DeleteCandidate(candidateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return errors.Trace(err)
	}
	if _, ok := s.cache[candidateID]; !ok {
		return nil
	}
	delete(s.cache, candidateID)
	return errors.Trace(s.saveLocked())
}

// SetVote records a vote for a candidate.
func (s *GovernanceStore) SetVote(candidateID string, vote Vote) error {
	if vote != VoteSupport && vote != VoteReject {
		return errors.NotValidf("vote %q", vote)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return errors.Trace(err)
	}
	s.cache[candidateID] = vote
	return errors.Trace(s.saveLocked())
}

// Close stops the filesystem watch.
func (s *GovernanceStore) Close() error {
	return s.watcher.Close()
}

func (s *GovernanceStore) loadLocked() error {
	if !s.stale && s.cache != nil {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Annotate(err, "reading governance file")
	}
	votes := make(map[string]Vote)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &votes); err != nil {
			return errors.Annotate(err, "parsing governance file")
		}
	}
	s.cache = votes
	s.stale = false
	return nil
}

func (s *GovernanceStore) saveLocked() error {
	raw, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0600); err != nil {
		return errors.Annotate(err, "writing governance file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Annotate(err, "replacing governance file")
	}
	// The rename replaces the watched inode.
	_ = s.watcher.Remove(s.path)
	if err := s.watcher.Add(s.path); err != nil {
		logger.Warningf("re-arming governance file watch: %v", err)
	}
	s.stale = true
	return nil
}
