package tracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/elitesignals/elite/internal/domain"
)

// The prediction log is an append-only file of length-prefixed JSON records
// behind a magic number and schema version. Replaying the file rebuilds the
// tracker's in-memory state.
const (
	logMagic   uint32 = 0x454C4954 // "ELIT"
	logVersion uint16 = 1
)

type recordKind string

const (
	recordPrediction  recordKind = "prediction"
	recordObservation recordKind = "observation"
	recordSignal      recordKind = "signal"
	// recordExpiry closes a prediction whose realising bar never arrived;
	// the Prediction field carries the (model_id, prediction_ts) key.
	recordExpiry recordKind = "expiry"
)

type logRecord struct {
	Kind        recordKind          `json:"kind"`
	Prediction  *domain.Prediction  `json:"prediction,omitempty"`
	Observation *domain.Observation `json:"observation,omitempty"`
	Signal      *domain.Signal      `json:"signal,omitempty"`
}

type appendLog struct {
	f *os.File
}

// openLog opens (or creates) the append-only log and verifies its header.
func openLog(path string) (*appendLog, []logRecord, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open prediction log %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat prediction log: %w", err)
	}

	if info.Size() == 0 {
		if err := binary.Write(f, binary.BigEndian, logMagic); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to write log header: %w", err)
		}
		if err := binary.Write(f, binary.BigEndian, logVersion); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to write log header: %w", err)
		}
		return &appendLog{f: f}, nil, nil
	}

	var magic uint32
	if err := binary.Read(f, binary.BigEndian, &magic); err != nil || magic != logMagic {
		f.Close()
		return nil, nil, fmt.Errorf("prediction log %s: bad magic", path)
	}
	var version uint16
	if err := binary.Read(f, binary.BigEndian, &version); err != nil || version != logVersion {
		f.Close()
		return nil, nil, fmt.Errorf("prediction log %s: unknown schema version", path)
	}

	var records []logRecord
	for {
		var length uint32
		if err := binary.Read(f, binary.BigEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			f.Close()
			return nil, nil, fmt.Errorf("prediction log %s: truncated length prefix", path)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(f, buf); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("prediction log %s: truncated record", path)
		}
		var rec logRecord
		if err := json.Unmarshal(buf, &rec); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("prediction log %s: bad record: %w", path, err)
		}
		records = append(records, rec)
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to seek prediction log: %w", err)
	}
	return &appendLog{f: f}, records, nil
}

// append writes one record and flushes it.
func (l *appendLog) append(rec logRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal log record: %w", err)
	}
	if err := binary.Write(l.f, binary.BigEndian, uint32(len(buf))); err != nil {
		return fmt.Errorf("failed to append log record: %w", err)
	}
	if _, err := l.f.Write(buf); err != nil {
		return fmt.Errorf("failed to append log record: %w", err)
	}
	return l.f.Sync()
}

func (l *appendLog) close() error {
	return l.f.Close()
}
