// Package stats provides the text and structured sinks diagnostics are
// rendered into.
package stats

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Printer writes formatted text to an io.Writer and keeps the first error.
// Once a write fails every later call is dropped.
type Printer struct {
	w   io.Writer
	err error
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Printf formats according to a format specifier and writes to the sink.
func (p *Printer) Printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

// Err returns the first write error.
func (p *Printer) Err() error {
	return p.err
}

// Region writes protobuf text format. Keys are emitted in call order;
// SubRegion opens a nested message that must be closed before the parent
// prints again.
type Region struct {
	p      *Printer
	depth  int
	closed bool
}

// NewRegion returns the top level region of p.
func NewRegion(p *Printer) *Region {
	return &Region{p: p}
}

func (r *Region) indent() string {
	return strings.Repeat("  ", r.depth)
}

func (r *Region) printField(key, value string) {
	if r.closed {
		return
	}
	r.p.Printf("%s%s: %s\n", r.indent(), key, value)
}

// PrintI64 prints an integer field.
func (r *Region) PrintI64(key string, v int64) {
	r.printField(key, strconv.FormatInt(v, 10))
}

// PrintDouble prints a floating point field.
func (r *Region) PrintDouble(key string, v float64) {
	r.printField(key, strconv.FormatFloat(v, 'f', -1, 64))
}

// PrintBool prints a boolean field.
func (r *Region) PrintBool(key string, v bool) {
	r.printField(key, strconv.FormatBool(v))
}

// PrintRaw prints an enum-like bare word field.
func (r *Region) PrintRaw(key, v string) {
	r.printField(key, v)
}

// SubRegion opens a nested message named key.
func (r *Region) SubRegion(key string) *Region {
	if !r.closed {
		r.p.Printf("%s%s {\n", r.indent(), key)
	}
	return &Region{p: r.p, depth: r.depth + 1, closed: r.closed}
}

// Close ends a nested message. Closing the top level region is a no-op.
func (r *Region) Close() {
	if r.closed {
		return
	}
	r.closed = true
	if r.depth > 0 {
		r.p.Printf("%s}\n", strings.Repeat("  ", r.depth-1))
	}
}
