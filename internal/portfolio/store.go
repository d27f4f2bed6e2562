// Package portfolio persists portfolio snapshots as an indexed time series
// and drives the periodic snapshotter.
package portfolio

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/elitesignals/elite/internal/domain"
)

const (
	storeMagic   uint32 = 0x454C4954 // "ELIT"
	storeVersion uint16 = 1
	storeFile           = "snapshots.db"
)

// Store is the snapshots.db time series: an append-only file of
// length-prefixed JSON records behind a magic number and schema version,
// with an in-memory time index for range queries.
type Store struct {
	mu    sync.RWMutex
	path  string
	f     *os.File
	snaps []domain.PortfolioSnapshot // ascending by SnapshotTS
}

// OpenStore opens or creates snapshots.db in dir and loads the index.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, storeFile)

	f, snaps, err := openSnapshotFile(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, f: f, snaps: snaps}, nil
}

func openSnapshotFile(path string) (*os.File, []domain.PortfolioSnapshot, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot store %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat snapshot store: %w", err)
	}
	if info.Size() == 0 {
		if err := binary.Write(f, binary.BigEndian, storeMagic); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to write snapshot header: %w", err)
		}
		if err := binary.Write(f, binary.BigEndian, storeVersion); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to write snapshot header: %w", err)
		}
		return f, nil, nil
	}

	var magic uint32
	if err := binary.Read(f, binary.BigEndian, &magic); err != nil || magic != storeMagic {
		f.Close()
		return nil, nil, fmt.Errorf("snapshot store %s: bad magic: %w", path, domain.ErrSchemaMismatch)
	}
	var version uint16
	if err := binary.Read(f, binary.BigEndian, &version); err != nil || version != storeVersion {
		f.Close()
		return nil, nil, fmt.Errorf("snapshot store %s: unknown schema version: %w", path, domain.ErrSchemaMismatch)
	}

	var snaps []domain.PortfolioSnapshot
	for {
		var length uint32
		if err := binary.Read(f, binary.BigEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			f.Close()
			return nil, nil, fmt.Errorf("snapshot store %s: truncated length prefix", path)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(f, buf); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("snapshot store %s: truncated record", path)
		}
		var snap domain.PortfolioSnapshot
		if err := json.Unmarshal(buf, &snap); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("snapshot store %s: bad record: %w", path, err)
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SnapshotTS.Before(snaps[j].SnapshotTS) })
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to seek snapshot store: %w", err)
	}
	return f, snaps, nil
}

// Append persists one snapshot and adds it to the index.
func (s *Store) Append(snap domain.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := binary.Write(s.f, binary.BigEndian, uint32(len(buf))); err != nil {
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot store: %w", err)
	}

	s.snaps = append(s.snaps, snap)
	return nil
}

// Query returns snapshots with from <= SnapshotTS <= to, ascending. Zero
// bounds are open-ended.
func (s *Store) Query(from, to time.Time) []domain.PortfolioSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PortfolioSnapshot
	for _, snap := range s.snaps {
		if !from.IsZero() && snap.SnapshotTS.Before(from) {
			continue
		}
		if !to.IsZero() && snap.SnapshotTS.After(to) {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Latest returns the most recent snapshot.
func (s *Store) Latest() (domain.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snaps) == 0 {
		return domain.PortfolioSnapshot{}, domain.ErrNotReady
	}
	return s.snaps[len(s.snaps)-1], nil
}

// Len returns the number of stored snapshots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

// Prune drops snapshots older than cutoff by rewriting the file next to the
// original and swapping it in, so a crash mid-prune leaves the prior file
// intact. Returns the number removed.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := s.snaps[:0:0]
	for _, snap := range s.snaps {
		if !snap.SnapshotTS.Before(cutoff) {
			keep = append(keep, snap)
		}
	}
	removed := len(s.snaps) - len(keep)
	if removed == 0 {
		return 0, nil
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create prune file: %w", err)
	}
	if err := binary.Write(tmp, binary.BigEndian, storeMagic); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write prune header: %w", err)
	}
	if err := binary.Write(tmp, binary.BigEndian, storeVersion); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write prune header: %w", err)
	}
	for _, snap := range keep {
		buf, err := json.Marshal(snap)
		if err != nil {
			tmp.Close()
			return 0, fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		if err := binary.Write(tmp, binary.BigEndian, uint32(len(buf))); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("failed to write pruned snapshot: %w", err)
		}
		if _, err := tmp.Write(buf); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("failed to write pruned snapshot: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to sync prune file: %w", err)
	}
	tmp.Close()

	s.f.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		return 0, fmt.Errorf("failed to swap pruned store: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to reopen pruned store: %w", err)
	}
	s.f = f
	s.snaps = keep
	return removed, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
