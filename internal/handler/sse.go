package handler

import (
	"strings"
)

// sseSplitter reassembles upstream SSE payloads from arbitrarily split
// chunks. It is the residual-buffer holder of an in-flight request: data
// arriving mid-line is retained until the line completes.
type sseSplitter struct {
	residual strings.Builder
}

// Feed appends a chunk and returns the JSON payloads of every completed
// "data:" line.
func (s *sseSplitter) Feed(chunk string) []string {
	s.residual.WriteString(chunk)
	buffered := s.residual.String()

	var payloads []string
	for {
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(buffered[:idx], "\r")
		buffered = buffered[idx+1:]
		if payload, ok := dataPayload(line); ok {
			payloads = append(payloads, payload)
		}
	}

	s.residual.Reset()
	s.residual.WriteString(buffered)
	return payloads
}

// Flush returns the payload of a trailing unterminated data line, if any.
func (s *sseSplitter) Flush() []string {
	line := strings.TrimRight(s.residual.String(), "\r\n")
	s.residual.Reset()
	if payload, ok := dataPayload(line); ok {
		return []string{payload}
	}
	return nil
}

// dataPayload extracts the payload from one SSE line.
func dataPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(line[len("data:"):])
	if payload == "" || payload == "[DONE]" {
		return "", false
	}
	return payload, true
}
