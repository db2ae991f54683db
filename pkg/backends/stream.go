package backends

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const defaultReadSize = 4096

// Stream is the lazy sequence of text chunks of one chat response.
//
// Every call to Next performs one read on the response body and returns what
// that read delivered, decoded as text. Chunk boundaries are the transport's:
// nothing is reassembled, except that a multi-byte character split across two
// reads is held back until it is complete.
type Stream struct {
	ctx        context.Context
	endpoint   string
	headerName string
	response   Response
	body       io.ReadCloser

	buf     []byte
	pending []byte
	err     error

	closeOnce sync.Once
}

func newStream(ctx context.Context, endpoint string, headerName string, response Response) *Stream {
	return &Stream{
		ctx:        ctx,
		endpoint:   endpoint,
		headerName: headerName,
		response:   response,
		body:       response.Body(),
		buf:        make([]byte, defaultReadSize),
	}
}

// Next returns the next chunk of text. It returns io.EOF once the body has
// been read to the end, the context error if the read was aborted because
// the context was cancelled, and a *TransportError for any other read failure.
func (s *Stream) Next() (string, error) {
	for {
		if s.err != nil {
			if len(s.pending) > 0 && s.err == io.EOF {
				tail := string(s.pending)
				s.pending = nil
				return tail, nil
			}
			return "", s.err
		}

		n, err := s.body.Read(s.buf)
		if err != nil {
			s.err = s.mapReadError(err)
			s.Close()
		}
		if n == 0 {
			continue
		}

		data := append(s.pending, s.buf[:n]...)
		cut := completePrefix(data)
		s.pending = append([]byte(nil), data[cut:]...)
		if cut == 0 {
			continue
		}
		return string(data[:cut]), nil
	}
}

func (s *Stream) mapReadError(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &TransportError{Endpoint: s.endpoint, Err: err}
}

// Metadata is the post-stream hook reading the generation metadata header.
// Trailers are consulted before headers. An absent, empty or empty-object
// header returns nil without error; a malformed one returns a *MetadataParseError.
func (s *Stream) Metadata() (map[string]interface{}, error) {
	value := headerValue(s.response.Trailer(), s.headerName)
	if value == "" {
		value = headerValue(s.response.Header(), s.headerName)
	}
	if value == "" {
		return nil, nil
	}

	var ret map[string]interface{}
	if err := json.Unmarshal([]byte(value), &ret); err != nil {
		return nil, &MetadataParseError{Header: s.headerName, Value: value, Err: err}
	}
	if len(ret) == 0 {
		return nil, nil
	}
	return ret, nil
}

// Close releases the response body. It is safe to call multiple times and is
// done automatically when the stream ends.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		_ = s.body.Close()
	})
}

// ReadAll drains the stream and returns the concatenated text.
func (s *Stream) ReadAll() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := s.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sb.String(), nil
			}
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
}

func headerValue(h http.Header, name string) string {
	if h == nil {
		return ""
	}
	return strings.TrimSpace(h.Get(name))
}

// completePrefix returns the length of the longest prefix of data that does
// not end in the middle of a multi-byte character. Invalid bytes are passed
// through as they are.
func completePrefix(data []byte) int {
	n := len(data)
	// a utf8 sequence is at most 4 bytes, so only the last 3 can be an incomplete start
	for i := n - 1; i >= 0 && i >= n-3; i-- {
		b := data[i]
		if b < utf8.RuneSelf {
			return n
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(data[i:]) {
				return i
			}
			return n
		}
	}
	return n
}
