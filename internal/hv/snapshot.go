package hv

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

type snapshotHeader struct {
	Magic      uint32
	Version    uint32
	ConfigHash ConfigHash
}

type snapshotBody struct {
	Devices map[string]DeviceSnapshot
}

// WriteSnapshot captures every device and writes a framed snapshot to w.
func WriteSnapshot(w io.Writer, hash ConfigHash, devices ...DeviceSnapshotter) error {
	body := snapshotBody{Devices: make(map[string]DeviceSnapshot, len(devices))}
	for _, dev := range devices {
		id := dev.DeviceId()
		if _, ok := body.Devices[id]; ok {
			return fmt.Errorf("%w: %s", ErrSnapshotDuplicate, id)
		}
		snap, err := dev.CaptureSnapshot()
		if err != nil {
			return fmt.Errorf("capture %s: %w", id, err)
		}
		body.Devices[id] = snap
	}

	hdr := snapshotHeader{
		Magic:      SnapshotMagic,
		Version:    SnapshotVersion,
		ConfigHash: hash,
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if err := gob.NewEncoder(w).Encode(&body); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot from r and restores it onto devices. The
// configuration hash must match the one the snapshot was written with.
func ReadSnapshot(r io.Reader, hash ConfigHash, devices ...DeviceSnapshotter) error {
	var hdr snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if hdr.Magic != SnapshotMagic {
		return ErrSnapshotMagic
	}
	if hdr.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, hdr.Version)
	}
	if hdr.ConfigHash != hash {
		return ErrSnapshotMismatch
	}

	var body snapshotBody
	if err := gob.NewDecoder(r).Decode(&body); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	for _, dev := range devices {
		id := dev.DeviceId()
		snap, ok := body.Devices[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSnapshotNoDevice, id)
		}
		if err := dev.RestoreSnapshot(snap); err != nil {
			return fmt.Errorf("restore %s: %w", id, err)
		}
	}
	return nil
}

// SnapshotStore keeps snapshot files in a directory keyed by config hash.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore creates a store rooted at dir.
func NewSnapshotStore(dir string) *SnapshotStore {
	return &SnapshotStore{dir: dir}
}

// Path returns the path to the snapshot file for a given config hash.
func (s *SnapshotStore) Path(hash ConfigHash) string {
	return filepath.Join(s.dir, hash.String()+".snap")
}

// Has reports whether a snapshot exists for hash.
func (s *SnapshotStore) Has(hash ConfigHash) bool {
	_, err := os.Stat(s.Path(hash))
	return err == nil
}

// Save captures devices into the store.
func (s *SnapshotStore) Save(hash ConfigHash, devices ...DeviceSnapshotter) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("ensure snapshot dir: %w", err)
	}
	path := s.Path(hash)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := WriteSnapshot(f, hash, devices...); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores devices from the stored snapshot for hash.
func (s *SnapshotStore) Load(hash ConfigHash, devices ...DeviceSnapshotter) error {
	f, err := os.Open(s.Path(hash))
	if err != nil {
		return err
	}
	defer f.Close()
	return ReadSnapshot(f, hash, devices...)
}

// Invalidate removes the stored snapshot for hash.
func (s *SnapshotStore) Invalidate(hash ConfigHash) error {
	err := os.Remove(s.Path(hash))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
