// Package wal is the durable store (C1): atomic persistence of Raft
// metadata, the replicated log, and snapshots. It keeps the teacher
// repository's on-disk mechanics — gob-encoded records, a CRC32 checksum per
// record, length-prefixed framing, fsync before any method returns — but
// reshapes the exported surface to the four durable-store operations the
// chat cluster actually calls: SaveMetadata, AppendLog, TruncateLogSuffix,
// InstallSnapshot.
package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/GiovanniDantonio/raftchat/pkg/raft"
)

const (
	metadataFileName = "metadata.wal"
	logFileName      = "log.wal"
	snapshotFileName = "snapshot.dat"
	recordHeaderSize = 8 // 4 bytes CRC32 + 4 bytes length
)

// Store is a file-backed implementation of raft.DurableStore.
type Store struct {
	mu  sync.Mutex
	dir string

	logFile *os.File

	currentTerm uint64
	votedFor    string
	membership  []raft.MemberRecord
	entries     []raft.LogEntry
}

// New opens (creating if necessary) a durable store rooted at dir and
// recovers any previously persisted metadata, log, and snapshot.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &Store{dir: dir}

	logFile, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	s.logFile = logFile

	if err := s.loadMetadataLocked(); err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	if err := s.loadLogLocked(); err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}

	return s, nil
}

// SaveMetadata persists current term, voted-for, and membership together.
func (s *Store) SaveMetadata(term uint64, votedFor string, membership []raft.MemberRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentTerm = term
	s.votedFor = votedFor
	s.membership = membership
	return s.persistMetadataLocked()
}

// AppendLog appends contiguous entries to the log.
func (s *Store) AppendLog(entries []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if err := s.appendRecordLocked(s.logFile, e); err != nil {
			return fmt.Errorf("append log entry %d: %w", e.Index, err)
		}
	}
	s.entries = append(s.entries, entries...)
	return nil
}

// TruncateLogSuffix removes every entry with index >= fromIndex and
// rewrites the log file so the truncation is itself durable.
func (s *Store) TruncateLogSuffix(fromIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.Index < fromIndex {
			kept = append(kept, e)
		}
	}
	s.entries = kept

	return s.rewriteLogLocked()
}

// InstallSnapshot atomically swaps in a snapshot and discards the log
// prefix it covers.
func (s *Store) InstallSnapshot(snapshot *raft.Snapshot, discardLogThroughIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistSnapshotLocked(snapshot); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.Index > discardLogThroughIndex {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.membership = snapshot.Membership

	return s.rewriteLogLocked()
}

// Load returns the currently persisted metadata and log.
func (s *Store) Load() (*raft.PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logCopy := make([]raft.LogEntry, len(s.entries))
	copy(logCopy, s.entries)

	return &raft.PersistentState{
		CurrentTerm: s.currentTerm,
		VotedFor:    s.votedFor,
		Log:         logCopy,
		Membership:  append([]raft.MemberRecord(nil), s.membership...),
	}, nil
}

// LoadSnapshot returns the most recently persisted snapshot, if any.
func (s *Store) LoadSnapshot() (*raft.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSnapshotLocked()
}

// Size reports the current log-file size in bytes. The snapshot threshold
// is checked against the node's in-memory entry count, not against this.
func (s *Store) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.logFile.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close releases the underlying file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}

// --- internals ---

func (s *Store) persistMetadataLocked() error {
	state := struct {
		CurrentTerm uint64
		VotedFor    string
		Membership  []raft.MemberRecord
	}{s.currentTerm, s.votedFor, s.membership}

	data, err := encodeGob(state)
	if err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(s.dir, metadataFileName))
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeRecord(f, data); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) loadMetadataLocked() error {
	f, err := os.Open(filepath.Join(s.dir, metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	data, err := readRecord(f)
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	var state struct {
		CurrentTerm uint64
		VotedFor    string
		Membership  []raft.MemberRecord
	}
	if err := decodeGob(data, &state); err != nil {
		return err
	}
	s.currentTerm = state.CurrentTerm
	s.votedFor = state.VotedFor
	s.membership = state.Membership
	return nil
}

// appendRecordLocked appends one length-prefixed, CRC32-checked gob record
// to f, syncing before returning — the durability contract applies per
// call, matching the spec's "must be durable before returning".
func (s *Store) appendRecordLocked(f *os.File, entry raft.LogEntry) error {
	data, err := encodeGob(entry)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if err := writeRecord(f, data); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) loadLogLocked() error {
	if _, err := s.logFile.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var entries []raft.LogEntry
	for {
		data, err := readRecord(s.logFile)
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		var e raft.LogEntry
		if err := decodeGob(data, &e); err != nil {
			return err
		}
		entries = append(entries, e)
	}
	s.entries = entries
	return nil
}

// rewriteLogLocked rewrites the whole log file from s.entries — used after
// a truncation or a snapshot-driven prefix discard, both of which are rare
// relative to appends.
func (s *Store) rewriteLogLocked() error {
	tmpPath := filepath.Join(s.dir, logFileName+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	for _, e := range s.entries {
		data, err := encodeGob(e)
		if err != nil {
			tmp.Close()
			return err
		}
		if err := writeRecord(tmp, data); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := s.logFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, logFileName)); err != nil {
		return err
	}

	logFile, err := os.OpenFile(filepath.Join(s.dir, logFileName), os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	s.logFile = logFile
	return nil
}

func (s *Store) persistSnapshotLocked(snapshot *raft.Snapshot) error {
	data, err := encodeGob(*snapshot)
	if err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(s.dir, snapshotFileName))
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeRecord(f, data); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) loadSnapshotLocked() (*raft.Snapshot, error) {
	f, err := os.Open(filepath.Join(s.dir, snapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	data, err := readRecord(f)
	if err != nil {
		return nil, err
	}
	var snap raft.Snapshot
	if err := decodeGob(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}

func writeRecord(w io.Writer, data []byte) error {
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write record header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write record data: %w", err)
	}
	return nil
}

func readRecord(r io.Reader) ([]byte, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read record data: %w", err)
	}
	if crc32.ChecksumIEEE(data) != crc {
		return nil, fmt.Errorf("CRC mismatch in WAL record")
	}
	return data, nil
}
