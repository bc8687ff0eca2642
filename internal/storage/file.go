package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

// fileStore keeps the working set in a Memory and persists every mutation.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
type fileStore struct {
	*Memory

	log logx.Logger

	// mu orders journal appends with the matching memory mutation.
	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

const (
	opPut    = "put"
	opDel    = "del"
	opSubPut = "sub.put"
	opSubDel = "sub.del"
)

type journalRecord struct {
	Op           string             `json:"op"`
	Schedule     *schedule.Schedule `json:"schedule,omitempty"`
	ID           string             `json:"id,omitempty"`
	Subscription *Subscription      `json:"subscription,omitempty"`
}

type snapshotFile struct {
	Schedules     []schedule.Schedule `json:"schedules"`
	Subscriptions []Subscription      `json:"subscriptions"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		Memory:       NewMemory(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 500,
	}
	journalPath := prefix + ".journal.jsonl"

	if err := st.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	skipped, err := st.replay(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journal = jf

	n, _ := st.Memory.Count(context.Background())
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("schedules", n))
	return st, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, sc := range snap.Schedules {
		s.Memory.putLocked(sc)
	}
	for _, sub := range snap.Subscriptions {
		s.Memory.subs[sub.Endpoint] = sub
	}
	return nil
}

func (s *fileStore) replay(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		switch r.Op {
		case opPut:
			if r.Schedule != nil {
				s.Memory.putLocked(*r.Schedule)
			}
		case opDel:
			if old, ok := s.Memory.byID[r.ID]; ok {
				s.Memory.unindexLocked(old)
				delete(s.Memory.byID, r.ID)
			}
		case opSubPut:
			if r.Subscription != nil {
				s.Memory.subs[r.Subscription.Endpoint] = *r.Subscription
			}
		case opSubDel:
			delete(s.Memory.subs, r.ID)
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}

func (s *fileStore) Upsert(ctx context.Context, sc schedule.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalRecord{Op: opPut, Schedule: &sc}, func() {
		_ = s.Memory.Upsert(ctx, sc)
	})
}

func (s *fileStore) Update(ctx context.Context, id string, p schedule.Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	next, ok := s.Memory.patched(id, p)
	if !ok {
		return false, nil
	}
	err := s.commitLocked(journalRecord{Op: opPut, Schedule: &next}, func() {
		_ = s.Memory.Upsert(ctx, next)
	})
	return err == nil, err
}

func (s *fileStore) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	if _, ok, _ := s.Memory.Get(ctx, id); !ok {
		return false, nil
	}
	err := s.commitLocked(journalRecord{Op: opDel, ID: id}, func() {
		_, _ = s.Memory.Remove(ctx, id)
	})
	return err == nil, err
}

func (s *fileStore) PutSubscription(_ context.Context, sub Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	stored, created := s.Memory.mergeSubscription(sub)
	err := s.commitLocked(journalRecord{Op: opSubPut, Subscription: &stored}, func() {
		s.Memory.setSubscription(stored)
	})
	return created, err
}

func (s *fileStore) RemoveSubscription(ctx context.Context, endpoint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	endpoint = strings.TrimSpace(endpoint)
	if !s.Memory.hasSubscription(endpoint) {
		return false, nil
	}
	err := s.commitLocked(journalRecord{Op: opSubDel, ID: endpoint}, func() {
		_, _ = s.Memory.RemoveSubscription(ctx, endpoint)
	})
	return err == nil, err
}

// commitLocked appends r and only then applies the matching memory change,
// so a failed append leaves memory as it was. Compaction runs after apply
// so the snapshot always includes r.
func (s *fileStore) commitLocked(r journalRecord, apply func()) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	apply()
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a fresh snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	scheds, subs := s.Memory.snapshot()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snapshotFile{Schedules: scheds, Subscriptions: subs}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}
