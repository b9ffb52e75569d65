package handler

import (
	"reflect"
	"testing"
)

func TestSplitterReassemblesAcrossChunks(t *testing.T) {
	var splitter sseSplitter

	first := splitter.Feed("data: {\"a\"")
	if len(first) != 0 {
		t.Fatalf("incomplete line must stay buffered, got %v", first)
	}
	second := splitter.Feed(":1}\n\ndata: {\"b\":2}\n")
	if !reflect.DeepEqual(second, []string{`{"a":1}`, `{"b":2}`}) {
		t.Fatalf("unexpected payloads: %v", second)
	}
}

func TestSplitterIgnoresCommentsAndDone(t *testing.T) {
	var splitter sseSplitter
	payloads := splitter.Feed(": keep-alive\n\ndata: [DONE]\n\ndata: {\"x\":1}\n\n")
	if !reflect.DeepEqual(payloads, []string{`{"x":1}`}) {
		t.Fatalf("unexpected payloads: %v", payloads)
	}
}

func TestSplitterFlushDrainsTrailingLine(t *testing.T) {
	var splitter sseSplitter
	if got := splitter.Feed("data: {\"tail\":true}"); len(got) != 0 {
		t.Fatalf("unterminated line returned early: %v", got)
	}
	flushed := splitter.Flush()
	if !reflect.DeepEqual(flushed, []string{`{"tail":true}`}) {
		t.Fatalf("flush lost the trailing payload: %v", flushed)
	}
	if extra := splitter.Flush(); extra != nil {
		t.Fatalf("second flush must be empty, got %v", extra)
	}
}

func TestSplitterHandlesCRLF(t *testing.T) {
	var splitter sseSplitter
	payloads := splitter.Feed("data: {\"y\":2}\r\n\r\n")
	if !reflect.DeepEqual(payloads, []string{`{"y":2}`}) {
		t.Fatalf("CRLF lines mishandled: %v", payloads)
	}
}
