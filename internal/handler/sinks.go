package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// bufferSink accumulates the upstream response in memory. It never commits,
// so every failure stays retryable until the caller renders the result.
type bufferSink struct {
	status  int
	headers map[string]string
	body    strings.Builder
}

func (b *bufferSink) Headers(status int, headers map[string]string) {
	b.status = status
	b.headers = headers
}

func (b *bufferSink) Chunk(data string) error {
	b.body.WriteString(data)
	return nil
}

func (b *bufferSink) Committed() bool { return false }

// rawStreamSink pipes upstream bytes to the client untouched, flushing per
// chunk. Used by the Gemini-native streaming path.
type rawStreamSink struct {
	c         *gin.Context
	committed bool
}

func (r *rawStreamSink) Headers(status int, headers map[string]string) {
	contentType := ""
	for key, value := range headers {
		if strings.EqualFold(key, "content-type") {
			contentType = value
			break
		}
	}
	if contentType == "" {
		contentType = "text/event-stream"
	}
	r.c.Writer.Header().Set("Content-Type", contentType)
	r.c.Writer.Header().Set("Cache-Control", "no-cache")
	r.c.Writer.WriteHeader(status)
	r.c.Writer.Flush()
	r.committed = true
}

func (r *rawStreamSink) Chunk(data string) error {
	if _, err := r.c.Writer.WriteString(data); err != nil {
		return err
	}
	r.c.Writer.Flush()
	return nil
}

func (r *rawStreamSink) Committed() bool { return r.committed }

// convertingStreamSink reassembles upstream Gemini SSE lines and writes
// OpenAI chunk frames as they complete. Commit happens on the first frame
// written to the client, not on upstream headers, so a stream that dies
// before producing output can still be retried.
type convertingStreamSink struct {
	c         *gin.Context
	convert   func(payload string) string
	committed bool
	splitter  sseSplitter
}

func (s *convertingStreamSink) Headers(int, map[string]string) {}

func (s *convertingStreamSink) Chunk(data string) error {
	for _, payload := range s.splitter.Feed(data) {
		if err := s.writeFrames(s.convert(payload)); err != nil {
			return err
		}
	}
	return nil
}

// Finish drains a trailing unterminated SSE line.
func (s *convertingStreamSink) Finish() error {
	for _, payload := range s.splitter.Flush() {
		if err := s.writeFrames(s.convert(payload)); err != nil {
			return err
		}
	}
	return nil
}

// writeFrames emits converted SSE output, sending response headers first.
func (s *convertingStreamSink) writeFrames(frames string) error {
	if frames == "" {
		return nil
	}
	if !s.committed {
		s.c.Writer.Header().Set("Content-Type", "text/event-stream")
		s.c.Writer.Header().Set("Cache-Control", "no-cache")
		s.c.Writer.Header().Set("Connection", "keep-alive")
		s.c.Writer.WriteHeader(http.StatusOK)
		s.committed = true
	}
	if _, err := s.c.Writer.WriteString(frames); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

func (s *convertingStreamSink) Committed() bool { return s.committed }
