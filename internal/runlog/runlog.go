// Package runlog captures a run's stdout and stderr into per-run append-only
// files and serves bounded tail reads while the process is still writing.
// Files are named <run_id>.stdout.log and <run_id>.stderr.log under the log
// directory; they are the only artifact that survives a service restart and
// are never rotated or deleted here (retention is an external concern).
package runlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Stream selects which captured output a read returns.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamBoth   Stream = "both"
)

// ParseStream validates a stream query value; empty defaults to stdout.
func ParseStream(s string) (Stream, bool) {
	switch Stream(s) {
	case StreamStdout, StreamStderr, StreamBoth:
		return Stream(s), true
	case "":
		return StreamStdout, true
	}
	return "", false
}

// Paths returns the on-disk locations for a run's streams.
func Paths(dir, runID string) (stdout, stderr string) {
	stdout = filepath.Join(dir, fmt.Sprintf("%s.stdout.log", runID))
	stderr = filepath.Join(dir, fmt.Sprintf("%s.stderr.log", runID))
	return stdout, stderr
}

// Entry is one tagged chunk in a merged (stream=both) read. Seq is assigned
// from a single per-run counter at write time, so ordering by Seq is write
// order and repeated reads are deterministic.
type Entry struct {
	Stream  Stream    `json:"stream"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Payload string    `json:"payload"`
}

// journal memory bounds per run; oldest entries are dropped first. Tail
// semantics make dropping old chunks acceptable.
const (
	maxJournalEntries = 4096
	maxJournalBytes   = 1 << 20
)

// Writer owns both sinks for one run. Writes go straight to the files with
// no buffering, so readers observe output promptly rather than at exit, and
// each chunk is mirrored into an in-memory journal that backs merged reads.
// Exactly one Writer exists per run; os/exec serializes nothing across the
// two pipes, so the journal lock is the ordering point between streams.
type Writer struct {
	mu           sync.Mutex
	seq          uint64
	closed       bool
	outFile      *os.File
	errFile      *os.File
	entries      []Entry
	journalBytes int
}

// NewWriter creates (or truncates nothing: appends to) the run's stream
// files, creating the log directory as needed.
func NewWriter(dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	outPath, errPath := Paths(dir, runID)
	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open stdout log: %w", err)
	}
	errFile, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		_ = outFile.Close()
		return nil, fmt.Errorf("open stderr log: %w", err)
	}
	return &Writer{outFile: outFile, errFile: errFile}, nil
}

// Stdout returns the sink to wire to the child's standard output.
func (w *Writer) Stdout() io.Writer { return &sink{w: w, stream: StreamStdout} }

// Stderr returns the sink to wire to the child's standard error.
func (w *Writer) Stderr() io.Writer { return &sink{w: w, stream: StreamStderr} }

// Close closes both files. The journal stays readable afterwards.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err1 := w.outFile.Close()
	err2 := w.errFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

type sink struct {
	w      *Writer
	stream Stream
}

func (s *sink) Write(p []byte) (int, error) {
	w := s.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	f := w.outFile
	if s.stream == StreamStderr {
		f = w.errFile
	}
	n, err := f.Write(p)
	if n > 0 {
		w.seq++
		w.entries = append(w.entries, Entry{
			Stream:  s.stream,
			Seq:     w.seq,
			At:      time.Now().UTC(),
			Payload: string(p[:n]),
		})
		w.journalBytes += n
		w.trimJournalLocked()
	}
	return n, err
}

func (w *Writer) trimJournalLocked() {
	drop := 0
	for (len(w.entries)-drop > maxJournalEntries || w.journalBytes > maxJournalBytes) && drop < len(w.entries) {
		w.journalBytes -= len(w.entries[drop].Payload)
		drop++
	}
	if drop > 0 {
		w.entries = append([]Entry(nil), w.entries[drop:]...)
	}
}

// Merged returns the journal entries in write order, limited to roughly the
// last tailBytes of payload when tailBytes > 0.
func (w *Writer) Merged(tailBytes int64) []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	start := 0
	if tailBytes > 0 {
		var total int64
		start = len(w.entries)
		for start > 0 {
			total += int64(len(w.entries[start-1].Payload))
			start--
			if total >= tailBytes {
				break
			}
		}
	}
	return append([]Entry(nil), w.entries[start:]...)
}

// Tail reads up to tailBytes from the end of path. A missing file reads as
// empty, not as an error: the run simply has not produced that stream yet.
// The read tolerates concurrent growth of the file; it takes the size once
// and reads from the computed offset without coordinating with the writer.
// When the tail would begin mid-line, the start is moved back to the nearest
// earlier line boundary (bounded backscan), so lines are not truncated.
func Tail(path string, tailBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	var offset int64
	if tailBytes > 0 && size > tailBytes {
		offset = size - tailBytes
		offset = alignToLine(f, offset)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, size-offset)
	n, err := io.ReadFull(f, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		// file may have been truncated between Stat and read; keep what we got
		err = nil
	}
	return buf[:n], err
}

// backscanWindow bounds how far alignToLine looks for a newline before the
// requested offset.
const backscanWindow = 4096

func alignToLine(f *os.File, offset int64) int64 {
	if offset <= 0 {
		return 0
	}
	from := offset - backscanWindow
	if from < 0 {
		from = 0
	}
	buf := make([]byte, offset-from)
	if _, err := f.ReadAt(buf, from); err != nil {
		return offset
	}
	if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
		return from + int64(i) + 1
	}
	// no newline anywhere in the window before the offset: scanning further
	// back would defeat the tail limit, so keep the byte offset
	return offset
}
