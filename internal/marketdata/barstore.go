package marketdata

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elitesignals/elite/internal/broker"
	"github.com/elitesignals/elite/internal/domain"
)

const (
	barStoreMagic   uint32 = 0x454C4954 // "ELIT"
	barStoreVersion uint16 = 1
)

// BarStore is the cold tier for historical OHLCV: one file per
// (symbol, bar size, window), so a restarted process does not refetch
// history the broker already served.
type BarStore struct {
	dir string
}

// OpenBarStore creates (or reuses) the bar cache directory.
func OpenBarStore(dir string) (*BarStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bar cache dir %s: %w", dir, err)
	}
	return &BarStore{dir: dir}, nil
}

func (b *BarStore) path(symbol string, start, end time.Time, size broker.BarSize) string {
	// Instrument keys carry ':' which is unsafe in file names.
	safe := strings.NewReplacer(":", "_", "/", "_").Replace(symbol)
	name := fmt.Sprintf("%s_%s_%d_%d.ohlcv", safe, size, start.Unix(), end.Unix())
	return filepath.Join(b.dir, name)
}

// Get returns the cached series for an exact window, or ok=false on miss.
// A file with an unknown magic or schema version surfaces SchemaMismatch.
func (b *BarStore) Get(symbol string, start, end time.Time, size broker.BarSize) ([]domain.Bar, bool, error) {
	raw, err := os.ReadFile(b.path(symbol, start, end, size))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read bar cache for %s: %w", symbol, err)
	}
	if len(raw) < 6 {
		return nil, false, fmt.Errorf("bar cache for %s: truncated header: %w", symbol, domain.ErrSchemaMismatch)
	}
	if binary.BigEndian.Uint32(raw[:4]) != barStoreMagic {
		return nil, false, fmt.Errorf("bar cache for %s: bad magic: %w", symbol, domain.ErrSchemaMismatch)
	}
	if binary.BigEndian.Uint16(raw[4:6]) != barStoreVersion {
		return nil, false, fmt.Errorf("bar cache for %s: unknown schema version: %w", symbol, domain.ErrSchemaMismatch)
	}

	var bars []domain.Bar
	if err := json.Unmarshal(raw[6:], &bars); err != nil {
		return nil, false, fmt.Errorf("bar cache for %s: bad payload: %w", symbol, err)
	}
	return bars, true, nil
}

// Put persists a series by writing next to the target and renaming, so a
// crash mid-write never leaves a half-written cache file behind.
func (b *BarStore) Put(symbol string, start, end time.Time, size broker.BarSize, bars []domain.Bar) error {
	payload, err := json.Marshal(bars)
	if err != nil {
		return fmt.Errorf("failed to marshal bars for %s: %w", symbol, err)
	}

	buf := make([]byte, 6, 6+len(payload))
	binary.BigEndian.PutUint32(buf[:4], barStoreMagic)
	binary.BigEndian.PutUint16(buf[4:6], barStoreVersion)
	buf = append(buf, payload...)

	path := b.path(symbol, start, end, size)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write bar cache for %s: %w", symbol, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to swap bar cache for %s: %w", symbol, err)
	}
	return nil
}
