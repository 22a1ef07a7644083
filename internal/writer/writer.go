// writer.go — Per-host NDJSON writer.
//
// One Writer owns one host's session directory: a rotating NDJSON file per
// stream, written from a bounded in-memory queue with oldest-drop
// back-pressure and a per-stream drop counter.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/dustin/go-humanize"

	"github.com/browserfairy/browserfairy-go/internal/capture"
	"github.com/browserfairy/browserfairy-go/internal/util"
)

// MaxFileSize is the rotation threshold by size.
const MaxFileSize = 50 * 1024 * 1024 // 50 MiB

// MaxFileAge is the rotation threshold by age.
const MaxFileAge = 24 * time.Hour

// QueueCapacity bounds how many unwritten records a stream queue holds
// before the oldest is dropped.
const QueueCapacity = 1024

// FlushMode controls when buffered writes reach disk.
type FlushMode int

const (
	// FlushPerRecord flushes after every write (the default: durability over
	// throughput).
	FlushPerRecord FlushMode = iota
	// FlushBatched flushes on a timer instead, trading some durability for
	// fewer syscalls under high event rates.
	FlushBatched
)

// Writer owns the on-disk session directory for one host.
type Writer struct {
	log       slog.Logger
	host      string
	sessionDir string
	mode      FlushMode
	batchEvery time.Duration

	mu      sync.Mutex
	streams map[capture.Stream]*streamFile

	dropCounts   sync.Map // capture.Stream -> *int64
	acceptedHook func(capture.Record)
}

type streamFile struct {
	mu        sync.Mutex
	file      *os.File
	openedAt  time.Time
	sizeBytes int64

	queue chan capture.Record
	done  chan struct{}
}

// New creates a Writer rooted at filepath.Join(sessionsRoot, host).
// acceptedHook, if non-nil, is called once per record that is actually
// written (after any rate-limit or queue-drop decision), letting the
// correlator observe the same accepted stream the disk sees.
func New(log slog.Logger, sessionsRoot, host string, mode FlushMode, batchEvery time.Duration, acceptedHook func(capture.Record)) (*Writer, error) {
	dir := filepath.Join(sessionsRoot, host)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("writer: create session dir: %w", err)
	}

	w := &Writer{
		log:          log.Named("writer").With(slog.F("host", host)),
		host:         host,
		sessionDir:   dir,
		mode:         mode,
		batchEvery:   batchEvery,
		streams:      make(map[capture.Stream]*streamFile),
		acceptedHook: acceptedHook,
	}
	return w, nil
}

// Write enqueues record for its stream. If the stream's queue is full, the
// oldest queued record is dropped to make room and the stream's drop
// counter is incremented.
func (w *Writer) Write(record capture.Record) {
	sf := w.streamFor(record.Stream())

	select {
	case sf.queue <- record:
	default:
		select {
		case <-sf.queue:
			w.countDrop(record.Stream())
		default:
		}
		select {
		case sf.queue <- record:
		default:
			w.countDrop(record.Stream())
		}
	}
}

func (w *Writer) countDrop(stream capture.Stream) {
	v, _ := w.dropCounts.LoadOrStore(stream, new(int64))
	counter := v.(*int64)
	*counter++
}

// DropCount returns how many records have been dropped for stream due to
// queue back-pressure.
func (w *Writer) DropCount(stream capture.Stream) int64 {
	v, ok := w.dropCounts.Load(stream)
	if !ok {
		return 0
	}
	return *v.(*int64)
}

func (w *Writer) streamFor(stream capture.Stream) *streamFile {
	w.mu.Lock()
	sf, ok := w.streams[stream]
	if !ok {
		sf = &streamFile{queue: make(chan capture.Record, QueueCapacity), done: make(chan struct{})}
		w.streams[stream] = sf
		util.SafeGo(func() { w.drain(stream, sf) })
	}
	w.mu.Unlock()
	return sf
}

func (w *Writer) drain(stream capture.Stream, sf *streamFile) {
	defer close(sf.done)

	var flushTicker *time.Ticker
	if w.mode == FlushBatched {
		flushTicker = time.NewTicker(w.batchEvery)
		defer flushTicker.Stop()
	}

	for {
		select {
		case record, ok := <-sf.queue:
			if !ok {
				w.closeStream(stream, sf)
				return
			}
			if err := w.appendRecord(stream, sf, record); err != nil {
				w.log.Warn(context.Background(), "writer: append failed", slog.F("stream", string(stream)), slog.Error(err))
				continue
			}
			if w.acceptedHook != nil {
				w.acceptedHook(record)
			}
		case <-tickerC(flushTicker):
			sf.mu.Lock()
			if sf.file != nil {
				_ = sf.file.Sync()
			}
			sf.mu.Unlock()
		}
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (w *Writer) appendRecord(stream capture.Stream, sf *streamFile, record capture.Record) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := w.rotateIfNeededLocked(stream, sf); err != nil {
		return err
	}
	if sf.file == nil {
		if err := w.openLocked(stream, sf); err != nil {
			return err
		}
	}

	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	n, err := sf.file.Write(append(b, '\n'))
	if err != nil {
		return err
	}
	sf.sizeBytes += int64(n)

	if w.mode == FlushPerRecord {
		return sf.file.Sync()
	}
	return nil
}

func (w *Writer) rotateIfNeededLocked(stream capture.Stream, sf *streamFile) error {
	if sf.file == nil {
		return nil
	}
	if sf.sizeBytes < MaxFileSize && time.Since(sf.openedAt) < MaxFileAge {
		return nil
	}
	w.log.Info(context.Background(), "writer: rotating stream file",
		slog.F("stream", string(stream)),
		slog.F("size", humanize.Bytes(uint64(sf.sizeBytes))),
		slog.F("age", time.Since(sf.openedAt).String()))
	if err := sf.file.Sync(); err != nil {
		return err
	}
	if err := sf.file.Close(); err != nil {
		return err
	}
	sf.file = nil

	active := w.activePath(stream)
	rotated := fmt.Sprintf("%s.%s", active, time.Now().UTC().Format("20060102T150405.000000000Z"))
	if err := os.Rename(active, rotated); err != nil {
		return fmt.Errorf("writer: rotate %s: %w", active, err)
	}
	return w.openLocked(stream, sf)
}

// activePath is the live, never-timestamped file a stream is appended to:
// session_.../<host>/<stream>.jsonl. Rotation renames this file aside with a
// timestamp suffix and opens a fresh one in its place.
func (w *Writer) activePath(stream capture.Stream) string {
	return filepath.Join(w.sessionDir, fmt.Sprintf("%s.jsonl", stream))
}

func (w *Writer) openLocked(stream capture.Stream, sf *streamFile) error {
	path := w.activePath(stream)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("writer: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("writer: stat %s: %w", path, err)
	}
	sf.file = f
	sf.openedAt = time.Now()
	sf.sizeBytes = info.Size()
	return nil
}

// closeStream is reached from drain's exit path (queue closed, meaning
// Writer.Close called), so it forces a full sync before closing per §4.10:
// a rotation and a shutdown are the two moments data must be durable.
func (w *Writer) closeStream(stream capture.Stream, sf *streamFile) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.file != nil {
		_ = sf.file.Sync()
		_ = sf.file.Close()
		sf.file = nil
	}
}

// Close drains and closes every stream file.
func (w *Writer) Close() error {
	w.mu.Lock()
	streams := make(map[capture.Stream]*streamFile, len(w.streams))
	for k, v := range w.streams {
		streams[k] = v
	}
	w.mu.Unlock()

	for _, sf := range streams {
		close(sf.queue)
		<-sf.done
	}
	return nil
}
