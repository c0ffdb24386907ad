package streams

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestTerminalWriter(t *testing.T) {
	var out bytes.Buffer
	w := NewTerminalWriter(&out)
	n, err := w.Write([]byte("a\nb\n"))
	if err != nil || n != 4 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	_, _ = w.Write([]byte("plain"))
	if got := out.String(); got != "a\r\nb\r\nplain" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestTerminalWriterKeepsExistingCRLF(t *testing.T) {
	var out bytes.Buffer
	w := NewTerminalWriter(&out)
	_, _ = w.Write([]byte("a\r\nb\r"))
	_, _ = w.Write([]byte("\nc\n"))
	if got := out.String(); got != "a\r\nb\r\nc\r\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestJSONExtractorForwardsEveryChunk(t *testing.T) {
	var out bytes.Buffer
	var got []json.RawMessage
	x := NewJSONExtractor(&out, func(m json.RawMessage) { got = append(got, m) }, nil)
	_, _ = x.Write([]byte(`{"score":1}`))
	_, _ = x.Write([]byte(`not json`))
	_, _ = x.Write([]byte(" [1,2] \n"))
	if len(got) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(got))
	}
	if string(got[1]) != "[1,2]" {
		t.Fatalf("unexpected second document %s", got[1])
	}
	if out.String() != `{"score":1}not json [1,2] `+"\n" {
		t.Fatalf("chunks not forwarded unchanged: %q", out.String())
	}
}

func TestCopyMessagesFramesLines(t *testing.T) {
	var chunks []string
	w := writerFunc(func(p []byte) (int, error) {
		chunks = append(chunks, string(p))
		return len(p), nil
	})
	if err := CopyMessages(w, strings.NewReader("{\"a\":1}\n\n{\"b\":2}\ntail")); err != nil {
		t.Fatalf("copy: %v", err)
	}
	want := []string{`{"a":1}`, `{"b":2}`, "tail"}
	if strings.Join(chunks, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", chunks, want)
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestImageExtractorAnySplit(t *testing.T) {
	chunk1 := []byte("\x89PNG\r\n\x1a\nEND")
	chunk2 := []byte("STARTIMAG-body-ENDIM.")
	var stream []byte
	stream = append(stream, []byte("prefix")...)
	stream = append(stream, StartImage...)
	stream = append(stream, chunk1...)
	stream = append(stream, chunk2...)
	stream = append(stream, EndImage...)
	stream = append(stream, []byte("suffix")...)
	want := append(append([]byte(nil), chunk1...), chunk2...)

	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			var images [][]byte
			x := NewImageExtractor(func(b []byte) { images = append(images, b) })
			for _, part := range [][]byte{stream[:i], stream[i:j], stream[j:]} {
				if len(part) > 0 {
					_, _ = x.Write(part)
				}
			}
			if len(images) != 1 {
				t.Fatalf("split %d/%d: expected 1 image, got %d", i, j, len(images))
			}
			if !bytes.Equal(images[0], want) {
				t.Fatalf("split %d/%d: image mismatch %q", i, j, images[0])
			}
		}
	}
}

func TestImageExtractorEndWithoutStart(t *testing.T) {
	var images [][]byte
	x := NewImageExtractor(func(b []byte) { images = append(images, b) })
	_, _ = x.Write([]byte("raw"))
	_, _ = x.Write([]byte("dataENDIMAGE"))
	_, _ = x.Write([]byte("STARTIMAGEnextENDIMAGE"))
	if len(images) != 2 || string(images[0]) != "rawdata" || string(images[1]) != "next" {
		t.Fatalf("unexpected images %q", images)
	}
	if x.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d", x.Buffered())
	}
}

func TestQueue(t *testing.T) {
	q := NewQueue()
	_, _ = q.Write([]byte("hello "))
	done := make(chan string)
	go func() {
		b, _ := io.ReadAll(q)
		done <- string(b)
	}()
	time.Sleep(10 * time.Millisecond)
	_, _ = q.Write([]byte("world"))
	_ = q.Close()
	select {
	case got := <-done:
		if got != "hello world" {
			t.Fatalf("unexpected %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not finish")
	}
	if _, err := q.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected closed pipe, got %v", err)
	}
}

func TestQueueDiscardAndError(t *testing.T) {
	q := NewQueue()
	_, _ = q.Write([]byte("stale keystrokes"))
	q.Discard()
	if _, err := q.Read(make([]byte, 8)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after discard, got %v", err)
	}
	boom := errors.New("boom")
	q = NewQueue()
	_ = q.CloseWithError(boom)
	if _, err := q.Read(make([]byte, 1)); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestGateShut(t *testing.T) {
	var out bytes.Buffer
	g := NewGate(&out)
	_, _ = g.Write([]byte("before"))
	g.Shut()
	n, err := g.Write([]byte("after"))
	if err != nil || n != 5 {
		t.Fatalf("shut gate should swallow writes: n=%d err=%v", n, err)
	}
	if out.String() != "before" {
		t.Fatalf("unexpected %q", out.String())
	}
}
