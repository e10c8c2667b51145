// Package calstore persists per-channel calibration records with an
// integrity checksum.
//
// Record layout (little-endian, RecordSize bytes):
//
//	0  version   uint8
//	1  dry       int32
//	5  wet       int32
//	9  threshold int32
//	13 flags     uint8 (bit0 inverted, bit1 calibrated)
//	14 checksum  uint32, CRC-32 (IEEE) over bytes 0..13
package calstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/sweeney/level-sensor/internal/logic"
	"github.com/sweeney/level-sensor/internal/nvram"
)

// RecordSize is the number of bytes one record occupies in storage.
const RecordSize = 18

const (
	formatVersion = 0x01
	payloadSize   = RecordSize - 4

	flagInverted   = 1 << 0
	flagCalibrated = 1 << 1
)

var (
	// ErrIntegrity means the stored checksum does not match the fields.
	ErrIntegrity = errors.New("calstore: checksum mismatch")
	// ErrBlank means nothing has ever been stored at the key.
	ErrBlank = errors.New("calstore: no record stored")
	// ErrVersion means the record was written in an unknown format.
	ErrVersion = errors.New("calstore: unknown record version")
)

// Checksum computes the integrity value over an encoded payload.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Encode serialises rec and stamps a fresh checksum. The returned record
// carries that checksum.
func Encode(rec logic.Record) ([]byte, logic.Record) {
	b := make([]byte, RecordSize)
	b[0] = formatVersion
	binary.LittleEndian.PutUint32(b[1:], uint32(rec.DryBaseline))
	binary.LittleEndian.PutUint32(b[5:], uint32(rec.WetBaseline))
	binary.LittleEndian.PutUint32(b[9:], uint32(rec.Threshold))
	var flags byte
	if rec.Inverted {
		flags |= flagInverted
	}
	if rec.Calibrated {
		flags |= flagCalibrated
	}
	b[13] = flags

	rec.Checksum = Checksum(b[:payloadSize])
	binary.LittleEndian.PutUint32(b[payloadSize:], rec.Checksum)
	return b, rec
}

// Decode parses a stored record and verifies it. On any failure the
// returned record has Calibrated == false, so callers can always use it.
func Decode(b []byte) (logic.Record, error) {
	if len(b) != RecordSize {
		return logic.Uncalibrated(), fmt.Errorf("calstore: record is %d bytes, want %d", len(b), RecordSize)
	}
	if bytes.Count(b, []byte{nvram.Erased}) == RecordSize {
		return logic.Uncalibrated(), ErrBlank
	}

	rec := logic.Record{
		DryBaseline: int32(binary.LittleEndian.Uint32(b[1:])),
		WetBaseline: int32(binary.LittleEndian.Uint32(b[5:])),
		Threshold:   int32(binary.LittleEndian.Uint32(b[9:])),
		Inverted:    b[13]&flagInverted != 0,
		Calibrated:  b[13]&flagCalibrated != 0,
		Checksum:    binary.LittleEndian.Uint32(b[payloadSize:]),
	}

	if want := Checksum(b[:payloadSize]); want != rec.Checksum {
		rec.Calibrated = false
		return rec, fmt.Errorf("%w: stored %08x, computed %08x", ErrIntegrity, rec.Checksum, want)
	}
	if b[0] != formatVersion {
		rec.Calibrated = false
		return rec, fmt.Errorf("%w: %d", ErrVersion, b[0])
	}
	return rec, nil
}

// Store reads and writes records on a Device. Keys are byte addresses.
type Store struct {
	dev nvram.Device
}

// New creates a Store on dev.
func New(dev nvram.Device) *Store {
	return &Store{dev: dev}
}

// Save writes rec at key in a single device write and returns the record
// as stored, checksum included.
func (s *Store) Save(key int, rec logic.Record) (logic.Record, error) {
	b, stamped := Encode(rec)
	if err := s.dev.Write(key, b); err != nil {
		return rec, fmt.Errorf("save record at %d: %w", key, err)
	}
	return stamped, nil
}

// Load reads the record at key. Integrity problems are reported as errors
// alongside an uncalibrated record; they are never fatal to the caller.
func (s *Store) Load(key int) (logic.Record, error) {
	b, err := s.dev.Read(key, RecordSize)
	if err != nil {
		return logic.Uncalibrated(), fmt.Errorf("load record at %d: %w", key, err)
	}
	return Decode(b)
}

// Raw returns the stored bytes at key.
func (s *Store) Raw(key int) ([]byte, error) {
	return s.dev.Read(key, RecordSize)
}

// IsSoft reports whether a Load error only means "treat as uncalibrated".
func IsSoft(err error) bool {
	return errors.Is(err, ErrIntegrity) || errors.Is(err, ErrBlank) || errors.Is(err, ErrVersion)
}
