package registry

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/models"
)

// fileStore persists one file per model under the registry directory:
// metadata JSON plus the predictor's serialized envelope, all behind a magic
// number and schema version. Writes go to a temp file then rename into
// place, so a crash mid-write leaves the prior state intact.
type fileStore struct {
	dir string
}

const (
	storeMagic   uint32 = 0x454C4954 // "ELIT"
	storeVersion uint16 = 1
	modelExt            = ".model"
)

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry dir %s: %w", dir, err)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) path(modelID string) string {
	return filepath.Join(s.dir, modelID+modelExt)
}

// save writes the entry atomically (write-new-then-swap).
func (s *fileStore) save(e *Entry) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	blob, err := models.Encode(e.Predictor)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, storeMagic)
	binary.Write(&buf, binary.BigEndian, storeVersion)
	binary.Write(&buf, binary.BigEndian, uint32(len(metaJSON)))
	buf.Write(metaJSON)
	binary.Write(&buf, binary.BigEndian, uint32(len(blob)))
	buf.Write(blob)

	tmp := s.path(e.Metadata.ModelID) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path(e.Metadata.ModelID)); err != nil {
		return fmt.Errorf("failed to swap %s into place: %w", tmp, err)
	}
	return nil
}

// loadAll reads every model file in the directory.
func (s *fileStore) loadAll() ([]*Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry dir: %w", err)
	}

	var entries []*Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), modelExt) {
			continue
		}
		entry, err := s.load(filepath.Join(s.dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("model file %s: %w", f.Name(), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *fileStore) load(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	r := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil || magic != storeMagic {
		return nil, fmt.Errorf("%w: bad magic in %s", domain.ErrRegistryCorruption, path)
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil || version != storeVersion {
		return nil, fmt.Errorf("%w: unknown schema version in %s", domain.ErrRegistryCorruption, path)
	}

	var metaLen uint32
	if err := binary.Read(r, binary.BigEndian, &metaLen); err != nil {
		return nil, fmt.Errorf("%w: truncated %s", domain.ErrRegistryCorruption, path)
	}
	metaJSON := make([]byte, metaLen)
	if _, err := r.Read(metaJSON); err != nil {
		return nil, fmt.Errorf("%w: truncated %s", domain.ErrRegistryCorruption, path)
	}
	var meta models.Metadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("%w: bad metadata in %s: %v", domain.ErrRegistryCorruption, path, err)
	}

	var blobLen uint32
	if err := binary.Read(r, binary.BigEndian, &blobLen); err != nil {
		return nil, fmt.Errorf("%w: truncated %s", domain.ErrRegistryCorruption, path)
	}
	blob := make([]byte, blobLen)
	if _, err := r.Read(blob); err != nil {
		return nil, fmt.Errorf("%w: truncated %s", domain.ErrRegistryCorruption, path)
	}
	predictor, err := models.Decode(blob)
	if err != nil {
		return nil, err
	}

	return &Entry{Predictor: predictor, Metadata: meta}, nil
}
