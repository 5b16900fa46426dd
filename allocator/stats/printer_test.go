package stats

import (
	"errors"
	"strings"
	"testing"
)

func TestPrinter(t *testing.T) {
	var sb strings.Builder
	p := NewPrinter(&sb)
	p.Printf("class %3d [ %8d bytes ]\n", 4, 64)
	if p.Err() != nil {
		t.Fatalf("Err() = %v", p.Err())
	}
	if got, want := sb.String(), "class   4 [       64 bytes ]\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

type failingWriter struct{ writes int }

func (f *failingWriter) Write(p []byte) (int, error) {
	f.writes++
	return 0, errors.New("boom")
}

func TestPrinterKeepsFirstError(t *testing.T) {
	w := &failingWriter{}
	p := NewPrinter(w)
	p.Printf("a")
	p.Printf("b")
	if p.Err() == nil {
		t.Fatal("expected error")
	}
	if w.writes != 1 {
		t.Errorf("writes = %d, want 1", w.writes)
	}
}

func TestRegionNesting(t *testing.T) {
	var sb strings.Builder
	top := NewRegion(NewPrinter(&sb))
	top.PrintI64("num_spans", 3)
	entry := top.SubRegion("freelist")
	entry.PrintI64("sizeclass", 64)
	entry.PrintBool("enabled", true)
	inner := entry.SubRegion("span_util")
	inner.PrintDouble("ratio", 0.5)
	inner.Close()
	entry.PrintRaw("state", "NONFULL")
	entry.Close()
	entry.PrintI64("ignored", 1)
	top.Close()

	want := "num_spans: 3\n" +
		"freelist {\n" +
		"  sizeclass: 64\n" +
		"  enabled: true\n" +
		"  span_util {\n" +
		"    ratio: 0.5\n" +
		"  }\n" +
		"  state: NONFULL\n" +
		"}\n"
	if sb.String() != want {
		t.Errorf("output =\n%s\nwant\n%s", sb.String(), want)
	}
}
