// Package events writes the training event log: a file of length-delimited
// records holding the graph definition and per-epoch scalar summaries.
//
// Each record is a little-endian uint32 size followed by a protobuf-encoded
// Event message:
//
//	Event { 1: double wall_time; 2: int64 step; 3: string run_id; 4: bytes graph_def; 5: string tag; 6: double value }
//
// The file is written through a rotating lumberjack logger.
package events

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the event log file name inside the logs directory.
const FileName = "events.out.roadseg"

// Tags used by the trainer.
const (
	TagGraph     = "graph"
	TagEpochLoss = "loss/epoch"
)

// ErrCorrupt is returned when a record cannot be decoded.
var ErrCorrupt = errors.New("events: corrupt record")

// MaxRecordSize bounds the size prefix accepted by Read.
const MaxRecordSize = 64 << 20

const (
	fieldWallTime protowire.Number = 1
	fieldStep     protowire.Number = 2
	fieldRunID    protowire.Number = 3
	fieldGraphDef protowire.Number = 4
	fieldTag      protowire.Number = 5
	fieldValue    protowire.Number = 6
)

// Event is one record of the log.
type Event struct {
	WallTime time.Time
	Step     int64
	RunID    string
	GraphDef []byte
	Tag      string
	Value    float64
}

// Marshal encodes the event body without the size prefix.
func (e Event) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(float64(e.WallTime.UnixNano())/1e9))
	if e.Step != 0 {
		b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Step))
	}
	if e.RunID != "" {
		b = protowire.AppendTag(b, fieldRunID, protowire.BytesType)
		b = protowire.AppendString(b, e.RunID)
	}
	if len(e.GraphDef) > 0 {
		b = protowire.AppendTag(b, fieldGraphDef, protowire.BytesType)
		b = protowire.AppendBytes(b, e.GraphDef)
	}
	if e.Tag != "" {
		b = protowire.AppendTag(b, fieldTag, protowire.BytesType)
		b = protowire.AppendString(b, e.Tag)
	}
	b = protowire.AppendTag(b, fieldValue, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(e.Value))
}

// Unmarshal decodes an event body.
func Unmarshal(b []byte) (Event, error) {
	var e Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("%w: %w", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case (num == fieldWallTime || num == fieldValue) && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return e, fmt.Errorf("%w: %w", ErrCorrupt, protowire.ParseError(n))
			}
			f := math.Float64frombits(v)
			if num == fieldWallTime {
				sec, frac := math.Modf(f)
				e.WallTime = time.Unix(int64(sec), int64(frac*1e9))
			} else {
				e.Value = f
			}
			b = b[n:]
		case num == fieldStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("%w: %w", ErrCorrupt, protowire.ParseError(n))
			}
			e.Step = int64(v)
			b = b[n:]
		case (num == fieldRunID || num == fieldTag || num == fieldGraphDef) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, fmt.Errorf("%w: %w", ErrCorrupt, protowire.ParseError(n))
			}
			switch num {
			case fieldRunID:
				e.RunID = string(v)
			case fieldTag:
				e.Tag = string(v)
			default:
				e.GraphDef = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("%w: %w", ErrCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

// Writer appends events to the log. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	logger *lumberjack.Logger
	runID  string
	now    func() time.Time
}

// NewWriter creates dir if needed and opens its event log. Every event
// written is stamped with runID.
func NewWriter(dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // log directory
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	return &Writer{
		logger: &lumberjack.Logger{
			Filename:   filepath.Join(dir, FileName),
			MaxSize:    1024,
			MaxBackups: 2,
			Compress:   true,
		},
		runID: runID,
		now:   time.Now,
	}, nil
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.logger.Filename }

// Append writes one size-prefixed event.
func (w *Writer) Append(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.WallTime.IsZero() {
		e.WallTime = w.now()
	}
	if e.RunID == "" {
		e.RunID = w.runID
	}
	body := e.Marshal()
	record := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(body)), uint32(len(body))) //nolint:gosec // records are far below 4 GiB
	record = append(record, body...)
	if _, err := w.logger.Write(record); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteGraph records a serialized graph definition.
func (w *Writer) WriteGraph(graphDef []byte) error {
	return w.Append(Event{Tag: TagGraph, GraphDef: graphDef})
}

// WriteScalar records a scalar summary.
func (w *Writer) WriteScalar(tag string, step int64, value float64) error {
	return w.Append(Event{Tag: tag, Step: step, Value: value})
}

// Close closes the log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logger.Close()
}

// Read iterates over the events in r. Iteration stops at the first error,
// which is yielded with a zero Event.
func Read(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		br := bufio.NewReader(r)
		var size [4]byte
		for {
			if _, err := io.ReadFull(br, size[:]); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(Event{}, fmt.Errorf("%w: %w", ErrCorrupt, err))
				return
			}
			n := binary.LittleEndian.Uint32(size[:])
			if n > MaxRecordSize {
				yield(Event{}, fmt.Errorf("%w: record size %d exceeds %d", ErrCorrupt, n, MaxRecordSize))
				return
			}
			body := make([]byte, n)
			if _, err := io.ReadFull(br, body); err != nil {
				yield(Event{}, fmt.Errorf("%w: truncated record: %w", ErrCorrupt, err))
				return
			}
			e, err := Unmarshal(body)
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// ReadFile returns every event of the log at path.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path) //nolint:gosec // caller-controlled path
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Event
	for e, err := range Read(f) {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}
