// Package telemetry writes the controller's append-only comma-separated log.
//
// Each controller pass becomes one section: a header line, one row per slice
// in A, B, C order, then (for tick and final sections) one row per station.
package telemetry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/signalsfoundry/slicesim/core"
	"github.com/signalsfoundry/slicesim/model"
)

const sliceHeader = "channelNumber, channelWidth, gi, mcs, txPower"

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("telemetry writer closed")

// Option customises a Writer.
type Option func(*Writer)

// WithDemandUnit sets the divisor that converts a slice's bits/s demand into
// the unit written to the log (1e6 for Mb/s, 1e3 for Kb/s).
func WithDemandUnit(slice model.SliceID, divisor float64) Option {
	return func(w *Writer) {
		if divisor > 0 {
			w.divisors[slice] = divisor
		}
	}
}

// Writer appends report sections to an underlying stream. It is safe for
// concurrent use; sections are never interleaved.
type Writer struct {
	mu       sync.Mutex
	out      *bufio.Writer
	closer   io.Closer
	divisors map[model.SliceID]float64
	closed   bool
}

// NewWriter wraps w. Demand is written in Mb/s unless overridden.
func NewWriter(w io.Writer, opts ...Option) *Writer {
	tw := &Writer{
		out:      bufio.NewWriter(w),
		divisors: make(map[model.SliceID]float64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tw)
		}
	}
	return tw
}

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string, opts ...Option) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open telemetry log: %w", err)
	}
	w := NewWriter(f, opts...)
	w.closer = f
	return w, nil
}

// Record writes one section and flushes it. Implements core.Recorder.
func (w *Writer) Record(_ context.Context, r core.Report) error {
	var b strings.Builder
	switch r.Kind {
	case core.SectionInit:
		b.WriteString("init_")
	case core.SectionFinal:
		b.WriteString("fin_")
	}
	b.WriteString(sliceHeader)
	b.WriteByte('\n')

	for _, s := range r.Slices {
		cfg := s.Config
		writeRow(&b,
			strconv.Itoa(cfg.ChannelNumber),
			strconv.Itoa(cfg.ChannelWidth),
			strconv.Itoa(cfg.GuardInterval),
			strconv.Itoa(cfg.MCS),
			FormatNumber(cfg.TxPowerDBm),
		)
	}

	if r.Kind != core.SectionInit {
		for _, st := range r.Stations {
			writeRow(&b,
				FormatNumber(st.Demand/w.divisor(st.Slice)),
				FormatNumber(st.Position.X),
				FormatNumber(st.Position.Y),
				strconv.FormatUint(st.Snapshot.TxPackets, 10),
				strconv.FormatUint(st.Snapshot.RxPackets, 10),
				FormatNumber(st.Snapshot.MeanLatency),
			)
		}
	}
	return w.WriteRaw(b.String())
}

// Preamble is the header of a multi-run log.
type Preamble struct {
	Scenarios        int
	SeedsPerScenario int
	Notes            string
	// Extra rows are written verbatim as key,value pairs after the notes.
	Extra [][2]string
}

// WritePreamble writes the sweep header rows.
func (w *Writer) WritePreamble(p Preamble) error {
	var b strings.Builder
	writeRow(&b, "scenarios", strconv.Itoa(p.Scenarios))
	writeRow(&b, "seeds per scenario", strconv.Itoa(p.SeedsPerScenario))
	writeRow(&b, "notes", p.Notes)
	for _, kv := range p.Extra {
		writeRow(&b, kv[0], kv[1])
	}
	return w.WriteRaw(b.String())
}

// WriteRaw appends already formatted text, e.g. a buffered run, and flushes.
func (w *Writer) WriteRaw(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.out.WriteString(s); err != nil {
		return fmt.Errorf("write telemetry: %w", err)
	}
	if err := w.out.Flush(); err != nil {
		return fmt.Errorf("flush telemetry: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file, if the writer owns one.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.out.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (w *Writer) divisor(id model.SliceID) float64 {
	if d, ok := w.divisors[id]; ok {
		return d
	}
	return 1e6
}

// FormatNumber renders a float with six significant digits and no trailing
// zeros, so 20.0 prints as 20 and 1.234567 as 1.23457.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func writeRow(b *strings.Builder, fields ...string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f)
	}
	b.WriteByte('\n')
}
