// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sharedcache // import "go.opentelemetry.io/iprofiler/sharedcache"

// # Snapshot format
//
// The whole snapshot is a single zstd stream. Decompressed it reads:
//
// >>> magic: [8]char
// >>> version: u32 LE
// >>> id: [16]byte                  # uuid of the cache contents
// >>> base: u64 LE
// >>> size: u64 LE
// >>> capacity: u64 LE
// >>> number_of_blobs: u32 LE
// >>> for blob in number_of_blobs:
// >>>   key: u64 LE
// >>>   length: u32 LE
// >>>   checksum: u64 LE            # xxh3 of the blob bytes
// >>>   data: [length]byte
// >>> digest: [32]byte              # sha256 of everything above
//
// Blobs are written in ascending key order so that equal caches produce equal files.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/klauspost/compress/zstd"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"go.uber.org/multierr"
)

const (
	// magic uniquely identifies shared cache snapshots.
	magic = "IPSCSNAP"

	snapshotVersion = 1

	headerSize     = len(magic) + 4 + 16 + 8 + 8 + 8 + 4
	blobHeaderSize = 8 + 4 + 8
)

var (
	// ErrBadSnapshot is returned if a snapshot is truncated or fails verification.
	ErrBadSnapshot = errors.New("bad shared cache snapshot")
	// ErrIncompatible is returned if a snapshot describes a region of a different size.
	ErrIncompatible = errors.New("incompatible shared cache snapshot")
)

type snapshotHeader struct {
	Magic    [len(magic)]byte
	Version  uint32
	ID       [16]byte
	Base     uint64
	Size     uint64
	Capacity uint64
	Count    uint32
}

type blobHeader struct {
	Key      uint64
	Length   uint32
	Checksum uint64
}

// WriteSnapshot writes the cache contents to w.
func (m *Memory) WriteSnapshot(w io.Writer) (err error) {
	b := m.blobs.RLock()
	keys := make([]Key, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	le := binary.LittleEndian
	payload := make([]byte, 0, headerSize+b.used+len(keys)*blobHeaderSize+sha256.Size)
	payload = append(payload, magic...)
	payload = le.AppendUint32(payload, snapshotVersion)
	payload = append(payload, m.id[:]...)
	payload = le.AppendUint64(payload, uint64(m.base))
	payload = le.AppendUint64(payload, m.size)
	payload = le.AppendUint64(payload, uint64(m.capacity))
	payload = le.AppendUint32(payload, uint32(len(keys)))
	for _, k := range keys {
		blob := b.data[k]
		payload = le.AppendUint64(payload, uint64(k))
		payload = le.AppendUint32(payload, uint32(len(blob)))
		payload = le.AppendUint64(payload, xxh3.Hash(blob))
		payload = append(payload, blob...)
	}
	m.blobs.RUnlock(&b)

	digest := sha256.Sum256(payload)
	payload = append(payload, digest[:]...)

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer func() {
		err = multierr.Append(err, enc.Close())
	}()
	if _, err = enc.Write(payload); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot replaces the cache contents with the snapshot read from r. The cache keeps
// its own base address: stored data is position independent. The snapshot must describe a
// region of the same size.
func (m *Memory) ReadSnapshot(r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	payload, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if len(payload) < headerSize+sha256.Size {
		return fmt.Errorf("%w: too small (%d bytes)", ErrBadSnapshot, len(payload))
	}
	body := payload[:len(payload)-sha256.Size]
	digest := sha256.Sum256(body)
	if !bytes.Equal(digest[:], payload[len(body):]) {
		return fmt.Errorf("%w: digest mismatch", ErrBadSnapshot)
	}

	rd := bytes.NewReader(body)
	var hdr snapshotHeader
	if err = binary.Read(rd, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: failed to read header: %v", ErrBadSnapshot, err)
	}
	if string(hdr.Magic[:]) != magic {
		return fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	if hdr.Version != snapshotVersion {
		return fmt.Errorf("%w: version %d", ErrIncompatible, hdr.Version)
	}
	if hdr.Size != m.size {
		return fmt.Errorf("%w: region size %d, expected %d", ErrIncompatible, hdr.Size, m.size)
	}

	data := make(map[Key][]byte, hdr.Count)
	used := 0
	for range hdr.Count {
		var bh blobHeader
		if err = binary.Read(rd, binary.LittleEndian, &bh); err != nil {
			return fmt.Errorf("%w: failed to read blob header: %v", ErrBadSnapshot, err)
		}
		if int64(bh.Length) > int64(rd.Len()) {
			return fmt.Errorf("%w: blob %#x truncated", ErrBadSnapshot, bh.Key)
		}
		blob := make([]byte, bh.Length)
		_, _ = io.ReadFull(rd, blob)
		if xxh3.Hash(blob) != bh.Checksum {
			return fmt.Errorf("%w: blob %#x checksum mismatch", ErrBadSnapshot, bh.Key)
		}
		data[Key(bh.Key)] = blob
		used += len(blob)
	}
	if rd.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrBadSnapshot, rd.Len())
	}

	b := m.blobs.WLock()
	defer m.blobs.WUnlock(&b)
	if hdr.Capacity > uint64(m.capacity) {
		log.Infof("Shared cache capacity raised from %d to %d by snapshot",
			m.capacity, hdr.Capacity)
		m.capacity = int(hdr.Capacity)
	}
	b.data = data
	b.used = used
	m.id = hdr.ID
	return nil
}

// SaveFile writes a snapshot to path. The file is replaced atomically.
func (m *Memory) SaveFile(path string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	err = multierr.Append(m.WriteSnapshot(tmp), tmp.Close())
	if err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	log.Infof("Saved shared cache snapshot %s (%d blobs)", path, m.Stats().Blobs)
	return nil
}

// LoadFile reads the snapshot at path into the cache. A missing file leaves the cache empty
// and returns an error matching os.ErrNotExist.
func (m *Memory) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err = m.ReadSnapshot(f); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	log.Infof("Loaded shared cache snapshot %s (%d blobs)", path, m.Stats().Blobs)
	return nil
}
