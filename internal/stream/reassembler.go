// Package stream rebuilds a growing answer from server-pushed event frames.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"catalog-assist/internal/apperror"
	"catalog-assist/internal/domain"
)

const (
	// MaxLineSize bounds a single frame line. Legacy servers resend the whole
	// answer on every frame, so this is generous.
	MaxLineSize = 1 << 20

	readChunkSize = 4096
	doneSentinel  = "[DONE]"
)

var (
	ErrLineTooLong   = errors.New("stream: frame line exceeds maximum size")
	ErrSessionClosed = errors.New("stream: session already finished")

	dataMarker = []byte("data:")
)

// ProgressFunc receives the accumulated answer after every data frame and a
// last time with final set once the stream has ended.
type ProgressFunc func(text string, final bool)

// Error is a transport failure in the middle of a stream. Partial holds the
// text accumulated before the failure.
type Error struct {
	Partial string
	Frames  int
	Err     error
}

func (e *Error) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error after %d frames (partial content received: %d chars): %v", e.Frames, len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// frame covers both wire shapes the inference endpoint emits.
type frame struct {
	RequestID   string           `json:"requestId"`
	Delta       *deltaPayload    `json:"delta"`
	Type        string           `json:"type"`
	Predictions []legacyFragment `json:"predictions"`
}

type deltaPayload struct {
	Index  int             `json:"index"`
	Batch  json.RawMessage `json:"batch"`
	Output string          `json:"output"`
}

type legacyFragment struct {
	Response   string  `json:"response"`
	Content    string  `json:"content"`
	Delta      *string `json:"delta"`
	MemoryUUID string  `json:"memoryUuid"`
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// Session holds the state of one streaming call. It is not safe for
// concurrent use; the progress callback runs synchronously on the goroutine
// that calls Write or Finish, so callbacks arrive in frame order.
type Session struct {
	accumulated string
	lineBuffer  []byte
	frameCount  int
	malformed   int
	done        bool
	token       string
	raw         json.RawMessage

	onProgress ProgressFunc
	log        *zap.Logger
}

func NewSession(onProgress ProgressFunc, opts ...Option) *Session {
	s := &Session{onProgress: onProgress, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write feeds raw stream bytes. Only complete lines are parsed; a trailing
// partial line is kept until the next Write or Finish.
func (s *Session) Write(p []byte) (int, error) {
	if s.done {
		return 0, ErrSessionClosed
	}
	s.lineBuffer = append(s.lineBuffer, p...)

	rest := s.lineBuffer
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		s.handleLine(rest[:i])
		rest = rest[i+1:]
	}
	s.lineBuffer = append(s.lineBuffer[:0], rest...)

	if len(s.lineBuffer) > MaxLineSize {
		return len(p), ErrLineTooLong
	}
	return len(p), nil
}

// Finish parses any residual line, emits the final progress callback and
// returns the answer. Calling it again returns the same answer without
// further callbacks.
func (s *Session) Finish() domain.Answer {
	if !s.done {
		if len(s.lineBuffer) > 0 {
			s.handleLine(s.lineBuffer)
			s.lineBuffer = nil
		}
		s.done = true
		if s.malformed > 0 {
			s.log.Warn("stream finished with malformed frames",
				zap.Int("frames", s.frameCount),
				zap.Int("malformed", s.malformed))
		}
		s.emit(true)
	}
	return s.answer()
}

func (s *Session) Text() string        { return s.accumulated }
func (s *Session) FrameCount() int     { return s.frameCount }
func (s *Session) MalformedCount() int { return s.malformed }
func (s *Session) Done() bool          { return s.done }

func (s *Session) answer() domain.Answer {
	return domain.Answer{
		Text:              s.accumulated,
		ContinuationToken: s.token,
		Raw:               s.raw,
	}
}

func (s *Session) handleLine(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, dataMarker) {
		// event:, id:, retry:, comments and blank separators
		return
	}
	payload := bytes.TrimSpace(line[len(dataMarker):])
	if len(payload) == 0 || string(payload) == doneSentinel {
		return
	}

	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		s.malformed++
		s.log.Debug("skipping malformed frame", zap.Error(err), zap.Int("bytes", len(payload)))
		return
	}
	if !s.apply(f) {
		return
	}
	s.frameCount++
	s.raw = append(json.RawMessage(nil), payload...)
	s.emit(false)
}

// apply folds one frame into the accumulation and reports whether it was a
// data frame.
func (s *Session) apply(f frame) bool {
	if f.Delta != nil {
		s.accumulated += f.Delta.Output
		if f.RequestID != "" {
			s.token = f.RequestID
		}
		return true
	}
	if len(f.Predictions) == 0 {
		return false
	}

	p := f.Predictions[0]
	if p.MemoryUUID != "" {
		s.token = p.MemoryUUID
	}
	// a delta that is present is appended, even when empty
	if p.Delta != nil {
		s.accumulated += *p.Delta
		return true
	}
	snapshot := p.Response
	if snapshot == "" {
		snapshot = p.Content
	}
	// Some servers resend the whole answer; a shorter snapshot is stale.
	if len(snapshot) > len(s.accumulated) {
		s.accumulated = snapshot
	}
	return true
}

func (s *Session) emit(final bool) {
	if s.onProgress != nil {
		s.onProgress(s.accumulated, final)
	}
}

// Reassemble drains r through a new Session. Transport failures are returned
// as *Error; a stream without any data frame yields an empty answer.
func Reassemble(ctx context.Context, r io.Reader, onProgress ProgressFunc, opts ...Option) (domain.Answer, error) {
	s := NewSession(onProgress, opts...)
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return domain.Answer{}, &Error{Partial: s.Text(), Frames: s.FrameCount(), Err: err}
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := s.Write(buf[:n]); werr != nil {
				return domain.Answer{}, &Error{Partial: s.Text(), Frames: s.FrameCount(), Err: apperror.New(apperror.KindParse, "stream", werr)}
			}
		}
		if errors.Is(err, io.EOF) {
			return s.Finish(), nil
		}
		if err != nil {
			return domain.Answer{}, &Error{Partial: s.Text(), Frames: s.FrameCount(), Err: err}
		}
	}
}
