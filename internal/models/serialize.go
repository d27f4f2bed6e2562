package models

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/elitesignals/elite/internal/domain"
)

// Serialized predictor blobs lead with a magic number and schema version so
// readers refuse payloads they do not understand.
const (
	blobMagic   uint32 = 0x454C4954 // "ELIT"
	blobVersion uint16 = 1
)

// Encode wraps a predictor's serialized state in the versioned envelope.
func Encode(p Predictor) ([]byte, error) {
	state, err := p.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s predictor: %w", p.Kind(), err)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, blobMagic)
	binary.Write(&buf, binary.BigEndian, blobVersion)

	kind := []byte(p.Kind())
	binary.Write(&buf, binary.BigEndian, uint16(len(kind)))
	buf.Write(kind)
	binary.Write(&buf, binary.BigEndian, uint32(len(state)))
	buf.Write(state)
	return buf.Bytes(), nil
}

// Decode reconstructs a predictor from an envelope produced by Encode.
func Decode(data []byte) (Predictor, error) {
	r := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, fmt.Errorf("%w: truncated predictor blob", domain.ErrRegistryCorruption)
	}
	if magic != blobMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08X", domain.ErrRegistryCorruption, magic)
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: truncated predictor blob", domain.ErrRegistryCorruption)
	}
	if version != blobVersion {
		return nil, fmt.Errorf("%w: unknown blob version %d", domain.ErrRegistryCorruption, version)
	}

	var kindLen uint16
	if err := binary.Read(r, binary.BigEndian, &kindLen); err != nil {
		return nil, fmt.Errorf("%w: truncated predictor blob", domain.ErrRegistryCorruption)
	}
	kind := make([]byte, kindLen)
	if _, err := r.Read(kind); err != nil {
		return nil, fmt.Errorf("%w: truncated predictor blob", domain.ErrRegistryCorruption)
	}
	var stateLen uint32
	if err := binary.Read(r, binary.BigEndian, &stateLen); err != nil {
		return nil, fmt.Errorf("%w: truncated predictor blob", domain.ErrRegistryCorruption)
	}
	state := make([]byte, stateLen)
	if _, err := r.Read(state); err != nil {
		return nil, fmt.Errorf("%w: truncated predictor blob", domain.ErrRegistryCorruption)
	}

	switch Kind(kind) {
	case KindLogistic:
		return deserializeLogistic(state)
	case KindGBDT:
		return deserializeGBDT(state)
	case KindSequence:
		return deserializeSequence(state)
	case KindStacking:
		return deserializeStacker(state)
	default:
		return nil, fmt.Errorf("%w: unknown predictor kind %q", domain.ErrRegistryCorruption, string(kind))
	}
}
