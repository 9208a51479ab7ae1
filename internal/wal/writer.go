package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stratadb-labs/strata/internal/core"
)

// SegmentFileName renders the canonical segment file name.
func SegmentFileName(n uint32) string {
	return fmt.Sprintf("wal_%08d.seg", n)
}

// WriterConfig configures the segment writer.
type WriterConfig struct {
	Dir string

	// DatabaseID is stamped into every segment header.
	DatabaseID uuid.UUID

	// StartSegment is the number of the first segment this writer creates.
	StartSegment uint32

	// RotateBytes is the segment rotation threshold.
	RotateBytes int64

	// Strict makes every Append fsync before returning. When false the
	// background flusher syncs at FlushInterval and on rotation.
	Strict bool

	// FlushInterval bounds staleness in buffered mode.
	FlushInterval time.Duration

	Logger *zap.Logger
}

// Writer appends framed records to the active segment. One writer exists per
// database; Append holds the latch across a whole commit group so the group
// is contiguous in the log.
type Writer struct {
	mu sync.Mutex

	cfg      WriterConfig
	segment  uint32
	f        *os.File
	bw       *bufio.Writer
	segBytes int64

	totalBytes int64

	stop    chan struct{}
	done    chan struct{}
	flushMu sync.Mutex // not locked anywhere; flusher and Close serialize on mu
	closed  bool

	log *zap.Logger
}

// OpenWriter creates the WAL directory if needed and starts a fresh active
// segment at cfg.StartSegment.
func OpenWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, core.StorageErr(errors.Wrap(err, "create wal dir"), cfg.Dir)
	}
	w := &Writer{
		cfg:     cfg,
		segment: cfg.StartSegment,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     cfg.Logger,
	}
	if err := w.openSegment(cfg.StartSegment); err != nil {
		return nil, err
	}
	if !cfg.Strict {
		go w.flushLoop()
	} else {
		close(w.done)
	}
	return w, nil
}

func (w *Writer) openSegment(n uint32) error {
	path := filepath.Join(w.cfg.Dir, SegmentFileName(n))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return core.StorageErr(errors.Wrap(err, "create wal segment"), path)
	}
	hdr := make([]byte, 0, HeaderSize)
	hdr = append(hdr, Magic...)
	hdr = append(hdr, FormatVersion)
	hdr = binary.LittleEndian.AppendUint32(hdr, n)
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(time.Now().UnixMicro()))
	hdr = append(hdr, w.cfg.DatabaseID[:]...)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return core.StorageErr(errors.Wrap(err, "write segment header"), path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return core.StorageErr(errors.Wrap(err, "sync segment header"), path)
	}
	if err := syncDir(w.cfg.Dir); err != nil {
		f.Close()
		return err
	}
	w.segment = n
	w.f = f
	w.bw = bufio.NewWriterSize(f, 1<<16)
	w.segBytes = HeaderSize
	return nil
}

// Append writes the group of records as one contiguous run. In strict mode
// the group is fsynced before Append returns. Returns the bytes appended.
func (w *Writer) Append(group []Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, core.StorageErr(nil, "wal writer closed")
	}

	var buf []byte
	for _, r := range group {
		buf = AppendRecord(buf, r)
	}
	if _, err := w.bw.Write(buf); err != nil {
		return 0, core.StorageErr(errors.Wrap(err, "append wal records"), w.currentPath())
	}
	n := int64(len(buf))
	w.segBytes += n
	w.totalBytes += n

	if w.cfg.Strict {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	if w.segBytes >= w.cfg.RotateBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (w *Writer) flushLocked() error {
	if err := w.bw.Flush(); err != nil {
		return core.StorageErr(errors.Wrap(err, "flush wal"), w.currentPath())
	}
	if err := w.f.Sync(); err != nil {
		return core.StorageErr(errors.Wrap(err, "fsync wal"), w.currentPath())
	}
	return nil
}

func (w *Writer) rotateLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return core.StorageErr(errors.Wrap(err, "close wal segment"), w.currentPath())
	}
	next := w.segment + 1
	if err := w.openSegment(next); err != nil {
		return err
	}
	w.log.Debug("wal segment rotated", zap.Uint32("segment", next))
	return nil
}

func (w *Writer) flushLoop() {
	defer close(w.done)
	t := time.NewTicker(w.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.mu.Lock()
			if !w.closed {
				if err := w.flushLocked(); err != nil {
					w.log.Error("background wal flush failed", zap.Error(err))
				}
			}
			w.mu.Unlock()
		}
	}
}

// Sync flushes and fsyncs the active segment.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.flushLocked()
}

// ActiveSegment returns the number of the segment currently being appended.
func (w *Writer) ActiveSegment() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segment
}

// TotalBytes returns the bytes appended since the writer opened.
func (w *Writer) TotalBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalBytes
}

// Close flushes, fsyncs, and closes the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.flushLocked()
	cerr := w.f.Close()
	w.mu.Unlock()

	if !w.cfg.Strict {
		close(w.stop)
		<-w.done
	}
	if err != nil {
		return err
	}
	if cerr != nil {
		return core.StorageErr(errors.Wrap(cerr, "close wal"), w.cfg.Dir)
	}
	return nil
}

func (w *Writer) currentPath() string {
	return filepath.Join(w.cfg.Dir, SegmentFileName(w.segment))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return core.StorageErr(errors.Wrap(err, "open dir for fsync"), dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return core.StorageErr(errors.Wrap(err, "fsync dir"), dir)
	}
	return nil
}
