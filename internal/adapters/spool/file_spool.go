package spool

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

const frameHeaderLen = 12

// FileSpool is an append-only log of reduced records that could not be
// delivered. Frames are [8 bytes id][4 bytes len][len bytes json]; the
// committed id lives in a separate meta file.
type FileSpool struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.SpoolEntryID
	committed ports.SpoolEntryID
	sizeBytes int64
}

func NewFileSpool(dir string) (*FileSpool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "spool.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	sp := &FileSpool{
		path:     path,
		metaPath: filepath.Join(dir, "spool.meta"),
		file:     f,
		writer:   bufio.NewWriterSize(f, 64<<10),
	}
	if err := sp.bootstrap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return sp, nil
}

func (s *FileSpool) bootstrap() error {
	if err := s.scanExisting(); err != nil {
		return err
	}
	if err := s.loadCommitted(); err != nil {
		return err
	}
	if s.nextID < s.committed {
		s.nextID = s.committed
	}
	_, err := s.file.Seek(0, io.SeekEnd)
	return err
}

// scanExisting finds the last complete frame and cuts off a torn tail.
func (s *FileSpool) scanExisting() error {
	stat, err := os.Stat(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil || stat.Size() == 0 {
		return nil
	}

	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var (
		offset int64
		lastID ports.SpoolEntryID
	)

	for {
		var hdr [frameHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("spool scan header: %w", err)
		}
		id := ports.SpoolEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		length := int64(binary.BigEndian.Uint32(hdr[8:12]))

		if _, err := io.CopyN(io.Discard, reader, length); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("spool scan body: %w", err)
		}
		offset += frameHeaderLen + length
		lastID = id
	}

	if err := s.file.Truncate(offset); err != nil {
		return err
	}
	s.sizeBytes = offset
	s.nextID = lastID
	return nil
}

func (s *FileSpool) loadCommitted() error {
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("spool meta parse: %w", err)
	}
	s.committed = ports.SpoolEntryID(u)
	return nil
}

func (s *FileSpool) Append(rec *domain.ReducedRecord) (ports.SpoolEntryID, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID + 1
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := s.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := s.writer.Write(b); err != nil {
		return 0, err
	}
	// spooled records are rare; make each one durable before reporting it.
	if err := s.writer.Flush(); err != nil {
		return 0, err
	}
	if err := s.file.Sync(); err != nil {
		return 0, err
	}

	s.nextID = id
	s.sizeBytes += int64(len(b) + frameHeaderLen)
	return id, nil
}

// Iterate calls fn for every entry with id >= from, in append order. The
// lock is released while fn runs, so fn may call Commit or Append; entries
// appended during the iteration are not visited.
func (s *FileSpool) Iterate(from ports.SpoolEntryID, fn func(id ports.SpoolEntryID, rec *domain.ReducedRecord) error) error {
	s.mu.Lock()
	if err := s.writer.Flush(); err != nil {
		s.mu.Unlock()
		return err
	}
	end := s.sizeBytes
	f, err := os.Open(s.path)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(io.LimitReader(f, end))

	for {
		var hdr [frameHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("corrupt spool header: %w", err)
		}
		id := ports.SpoolEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		b := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt spool: %w", err)
		}
		if id < from {
			continue
		}

		var rec domain.ReducedRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return fmt.Errorf("corrupt spool entry %d: %w", id, err)
		}
		if err := fn(id, &rec); err != nil {
			return err
		}
	}
}

// Commit marks every entry up to and including upto as resolved. Once the
// whole log is committed the file is truncated.
func (s *FileSpool) Commit(upto ports.SpoolEntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upto > s.committed {
		s.committed = upto
	}
	if err := s.persistMetaLocked(); err != nil {
		return err
	}
	if s.committed >= s.nextID && s.sizeBytes > 0 {
		return s.truncateLocked()
	}
	return nil
}

func (s *FileSpool) Stats() ports.SpoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.SpoolStats{
		OldestUncommitted: s.committed + 1,
		LatestAppended:    s.nextID,
		SizeBytes:         s.sizeBytes,
	}
}

func (s *FileSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.writer.Flush()
	if cerr := s.file.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	s.file = nil
	return err
}

func (s *FileSpool) truncateLocked() error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	s.writer.Reset(s.file)
	s.sizeBytes = 0
	return nil
}

func (s *FileSpool) persistMetaLocked() error {
	data := []byte(fmt.Sprintf("%d\n", s.committed))
	return os.WriteFile(s.metaPath, data, 0o644)
}

var _ ports.Spool = (*FileSpool)(nil)
