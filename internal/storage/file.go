package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hostbot/internal/deploy"
	logx "hostbot/pkg/logx"
)

// fileStore keeps everything in JSON files next to cfg.Path:
//
//	<prefix>.audit.jsonl               append-only
//	<prefix>.broadcasts.jsonl          append-only, rewritten by PruneBroadcasts
//	<prefix>.deployments.snapshot.json catalog snapshot
//	<prefix>.deployments.journal.jsonl catalog changes since the snapshot
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile      *os.File
	broadcastsPath string
	broadcastsFile *os.File

	snapshotPath string
	journalFile  *os.File
	catalog      map[deploy.Key]int64 // created, unix milli
	writes       int
}

const compactEvery = 200

type catalogRecord struct {
	Tenant  string `json:"tenant"`
	App     string `json:"app"`
	Created int64  `json:"created,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
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

	s := &fileStore{
		log:            log,
		broadcastsPath: prefix + ".broadcasts.jsonl",
		snapshotPath:   prefix + ".deployments.snapshot.json",
		catalog:        map[deploy.Key]int64{},
	}
	journalPath := prefix + ".deployments.journal.jsonl"
	if err := loadSnapshot(s.snapshotPath, s.catalog); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("catalog snapshot unreadable; starting empty", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, s.catalog); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("catalog journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	var err error
	if s.auditFile, err = openAppend(prefix + ".audit.jsonl"); err != nil {
		return nil, err
	}
	if s.broadcastsFile, err = openAppend(s.broadcastsPath); err != nil {
		_ = s.auditFile.Close()
		return nil, err
	}
	if s.journalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.auditFile.Close()
		_ = s.broadcastsFile.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.auditFile, &s.broadcastsFile, &s.journalFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

var errClosed = errors.New("file store closed")

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) AppendBroadcast(_ context.Context, r BroadcastRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcastsFile == nil {
		return errClosed
	}
	return json.NewEncoder(s.broadcastsFile).Encode(r)
}

func (s *fileStore) RecentBroadcasts(_ context.Context, limit int) ([]BroadcastRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := readBroadcasts(s.broadcastsPath)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].At.After(all[j].At) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *fileStore) PruneBroadcasts(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcastsFile == nil {
		return 0, errClosed
	}
	all, err := readBroadcasts(s.broadcastsPath)
	if err != nil {
		return 0, err
	}
	keep := all[:0]
	for _, r := range all {
		if !r.At.Before(cutoff) {
			keep = append(keep, r)
		}
	}
	removed := int64(len(all) - len(keep))
	if removed == 0 {
		return 0, nil
	}

	tmp := s.broadcastsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	_ = s.broadcastsFile.Close()
	s.broadcastsFile = nil
	if err := os.Rename(tmp, s.broadcastsPath); err != nil {
		return 0, err
	}
	if s.broadcastsFile, err = openAppend(s.broadcastsPath); err != nil {
		return 0, err
	}
	return removed, nil
}

func readBroadcasts(path string) ([]BroadcastRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []BroadcastRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r BroadcastRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func (s *fileStore) UpsertDeployment(_ context.Context, d deploy.Deployment) error {
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return s.journal(catalogRecord{Tenant: d.Key.Tenant, App: d.Key.App, Created: created.UnixMilli()})
}

func (s *fileStore) DeleteDeployment(_ context.Context, k deploy.Key) error {
	return s.journal(catalogRecord{Tenant: k.Tenant, App: k.App, Deleted: true})
}

func (s *fileStore) GetDeployment(_ context.Context, k deploy.Key) (deploy.Deployment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.catalog[k]
	if !ok {
		return deploy.Deployment{}, false, nil
	}
	return deploy.Deployment{Key: k, CreatedAt: time.UnixMilli(ms)}, true, nil
}

func (s *fileStore) journal(r catalogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errClosed
	}
	applyRecord(s.catalog, r)
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("catalog compact failed", logx.Err(err))
		}
	}
	return nil
}

func applyRecord(m map[deploy.Key]int64, r catalogRecord) {
	k := deploy.Key{Tenant: r.Tenant, App: r.App}
	if r.Deleted {
		delete(m, k)
		return
	}
	m[k] = r.Created
}

func (s *fileStore) compactLocked() error {
	recs := make([]catalogRecord, 0, len(s.catalog))
	for k, ms := range s.catalog {
		recs = append(recs, catalogRecord{Tenant: k.Tenant, App: k.App, Created: ms})
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[deploy.Key]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var recs []catalogRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		applyRecord(out, r)
	}
	return nil
}

func replayJournal(path string, out map[deploy.Key]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r catalogRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.App == "" {
			continue
		}
		applyRecord(out, r)
	}
	return sc.Err()
}
