// Package snapshot persists a Keyspace's contents to disk and restores it,
// grounded on the original C++ `snapshot_store.cpp` with the resource-leak
// bug spec.md §4.6/§9 calls out fixed: the original's writer acquired a raw
// file handle and only closed it on the success path, leaking it on every
// error return. Save here always closes (and on success fsyncs, then
// renames) its temporary file through a deferred cleanup that runs on every
// exit path, matching the teacher's defer-based resource discipline
// elsewhere in this repository.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cacheforge/cacheforge/internal/value"
)

// fileRegexp-free naming convention: snapshot_<epoch_seconds>.rdb.
const (
	filePrefix = "snapshot_"
	fileSuffix = ".rdb"
)

// Entry is one logical keyspace row as persisted to / restored from disk.
type Entry struct {
	Key   string
	Value value.Value
	// TTLRemaining is -1 for "no TTL", 0 for "already expired, drop on
	// load", or a positive whole-second count, per spec.md §4.6.
	TTLRemaining int64
}

// typeTag mirrors value.Kind in the on-disk format. It is a distinct,
// explicitly-numbered type rather than value.Kind itself so the wire
// encoding doesn't silently shift if value.Kind's iota ordering ever
// changes.
type typeTag int32

const (
	tagString typeTag = iota
	tagInteger
	tagList
	tagBinary
)

func tagFor(k value.Kind) (typeTag, error) {
	switch k {
	case value.KindString:
		return tagString, nil
	case value.KindInteger:
		return tagInteger, nil
	case value.KindList:
		return tagList, nil
	case value.KindBinary:
		return tagBinary, nil
	default:
		return 0, fmt.Errorf("snapshot: unknown value kind %v", k)
	}
}

// Store manages a directory of snapshot_<epoch>.rdb files.
type Store struct {
	dir string
}

// New builds a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save writes entries to a new snapshot file named for the given epoch
// seconds (the caller supplies the timestamp; this package does not call
// time.Now itself so callers and tests control naming deterministically).
// The write is atomic: entries land in a temporary file in the same
// directory, which is fsynced and renamed into place only after every byte
// is written successfully.
func (s *Store) Save(epochSeconds int64, entries []Entry) (path string, err error) {
	finalPath := filepath.Join(s.dir, fmt.Sprintf("%s%d%s", filePrefix, epochSeconds, fileSuffix))
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("snapshot: create temp file: %w", err)
	}
	// Every exit path below closes f exactly once via this deferred
	// cleanup, including the error paths the original leaked on.
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("snapshot: close temp file: %w", closeErr)
		}
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		if writeErr := writeEntry(w, e); writeErr != nil {
			return "", fmt.Errorf("snapshot: write entry for key %q: %w", e.Key, writeErr)
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("snapshot: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("snapshot: fsync: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("snapshot: rename into place: %w", err)
	}
	return finalPath, nil
}

func writeEntry(w io.Writer, e Entry) error {
	tag, err := tagFor(e.Value.Kind())
	if err != nil {
		return err
	}

	var payload []byte
	switch e.Value.Kind() {
	case value.KindString:
		s, _ := e.Value.AsString()
		payload = []byte(s)
	case value.KindInteger:
		n, _ := e.Value.AsInteger()
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, uint64(n))
	case value.KindList:
		items, _ := e.Value.AsList()
		payload = encodeList(items)
	case value.KindBinary:
		b, _ := e.Value.AsBinary()
		payload = b
	}

	if err := writeU64(w, uint64(len(e.Key))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(e.Key)); err != nil {
		return err
	}
	if err := writeI32(w, int32(tag)); err != nil {
		return err
	}
	if err := writeU64(w, uint64(len(payload))); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return writeI64(w, e.TTLRemaining)
}

// encodeList packs a string list as a sequence of u32-length-prefixed
// entries so it can be embedded as one length-prefixed value payload.
func encodeList(items []string) []byte {
	var buf []byte
	n := make([]byte, 4)
	for _, it := range items {
		binary.LittleEndian.PutUint32(n, uint32(len(it)))
		buf = append(buf, n...)
		buf = append(buf, it...)
	}
	return buf
}

func decodeList(payload []byte) ([]string, error) {
	var items []string
	off := 0
	for off < len(payload) {
		if off+4 > len(payload) {
			return nil, fmt.Errorf("snapshot: truncated list entry length")
		}
		n := int(binary.LittleEndian.Uint32(payload[off : off+4]))
		off += 4
		if off+n > len(payload) {
			return nil, fmt.Errorf("snapshot: truncated list entry body")
		}
		items = append(items, string(payload[off:off+n]))
		off += n
	}
	return items, nil
}

func writeU64(w io.Writer, v uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	_, err := w.Write(b)
	return err
}

func writeI64(w io.Writer, v int64) error {
	return writeU64(w, uint64(v))
}

func writeI32(w io.Writer, v int32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	_, err := w.Write(b)
	return err
}

// LoadLatest reads the snapshot file with the largest epoch in its name and
// decodes every entry. If no snapshot exists, it returns (nil, false, nil).
// A decode failure partway through the file fails the whole load cleanly —
// it never returns a partial entry set.
func (s *Store) LoadLatest() ([]Entry, bool, error) {
	path, ok, err := s.latestPath()
	if err != nil || !ok {
		return nil, ok, err
	}
	entries, err := s.load(path)
	if err != nil {
		return nil, false, err
	}
	return entries, true, nil
}

func (s *Store) latestPath() (string, bool, error) {
	matches, err := s.list()
	if err != nil {
		return "", false, err
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].epoch > matches[j].epoch })
	return matches[0].path, true, nil
}

type namedSnapshot struct {
	path  string
	epoch int64
}

func (s *Store) list() ([]namedSnapshot, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read dir: %w", err)
	}
	var out []namedSnapshot
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		epochStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		epoch, err := strconv.ParseInt(epochStr, 10, 64)
		if err != nil {
			continue // not one of ours, ignore
		}
		out = append(out, namedSnapshot{path: filepath.Join(s.dir, name), epoch: epoch})
	}
	return out, nil
}

// Prune removes every snapshot file except the keepN most recent.
func (s *Store) Prune(keepN int) error {
	matches, err := s.list()
	if err != nil {
		return err
	}
	if len(matches) <= keepN {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].epoch > matches[j].epoch })
	for _, m := range matches[keepN:] {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("snapshot: prune %s: %w", m.path, err)
		}
	}
	return nil
}

// Count returns how many snapshot files currently exist.
func (s *Store) Count() (int, error) {
	matches, err := s.list()
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

func (s *Store) load(path string) (entries []Entry, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		e, readErr := readEntry(r)
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("snapshot: decode %s: %w", path, readErr)
		}
		if e.TTLRemaining == 0 {
			continue // already expired at save time; drop on load
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readEntry(r *bufio.Reader) (e Entry, err error) {
	keyLen, err := readU64(r)
	if err != nil {
		return Entry{}, err
	}
	// Past the first field, running out of bytes means a truncated record,
	// not a clean end of file between records.
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	key, err := readExact(r, int(keyLen))
	if err != nil {
		return Entry{}, err
	}
	tagRaw, err := readI32(r)
	if err != nil {
		return Entry{}, err
	}
	valueLen, err := readU64(r)
	if err != nil {
		return Entry{}, err
	}
	payload, err := readExact(r, int(valueLen))
	if err != nil {
		return Entry{}, err
	}
	ttl, err := readI64(r)
	if err != nil {
		return Entry{}, err
	}

	v, err := decodeValue(typeTag(tagRaw), payload)
	if err != nil {
		return Entry{}, err
	}

	return Entry{Key: string(key), Value: v, TTLRemaining: ttl}, nil
}

func decodeValue(tag typeTag, payload []byte) (value.Value, error) {
	switch tag {
	case tagString:
		return value.NewString(string(payload)), nil
	case tagInteger:
		if len(payload) != 8 {
			return value.Value{}, fmt.Errorf("snapshot: integer payload must be 8 bytes, got %d", len(payload))
		}
		return value.NewInteger(int64(binary.LittleEndian.Uint64(payload))), nil
	case tagList:
		items, err := decodeList(payload)
		if err != nil {
			return value.Value{}, err
		}
		return value.NewList(items), nil
	case tagBinary:
		return value.NewBinary(payload), nil
	default:
		return value.Value{}, fmt.Errorf("snapshot: unknown type tag %d", tag)
	}
}

func readU64(r io.Reader) (uint64, error) {
	b, err := readExact(r, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func readI64(r io.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readI32(r io.Reader) (int32, error) {
	b, err := readExact(r, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// readExact reads exactly n bytes, reporting io.EOF only if zero bytes were
// read (a clean end-of-file between records); any short read after that is
// an unexpected truncation, reported as io.ErrUnexpectedEOF via io.ReadFull.
func readExact(r io.Reader, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, err
	}
	return buf, nil
}
