package providers

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"llmgate/internal/core"
)

// ErrStreamInterrupted reports a stream that was closed before the terminal
// event arrived. The usage future still resolves, carrying whatever counts
// were observed, so tracking never silently drops an interrupted call.
var ErrStreamInterrupted = errors.New("stream closed before completion")

// maxPendingBytes bounds the unparsed SSE buffer. A well-formed stream never
// comes close; a malformed one must not grow memory without limit.
const maxPendingBytes = 1 << 20

// UsageResult is the value delivered by the usage future.
type UsageResult struct {
	Usage core.Usage
	Err   error
}

// ResponseResult is the value delivered by the response future.
type ResponseResult struct {
	Response *core.LLMResponse
	Err      error
}

// StreamResult is what a streaming adapter call hands back: the raw SSE body
// for pass-through to the client, plus two single-shot futures that resolve
// when the stream terminates.
type StreamResult struct {
	Provider string
	Model    string

	// Body relays the provider's SSE bytes unmodified. The caller must
	// drain or close it; either resolves the futures.
	Body io.ReadCloser

	// Usage resolves exactly once with the final token counts.
	Usage <-chan UsageResult

	// Response resolves exactly once with the assembled completion.
	Response <-chan ResponseResult
}

// NewStreamResult wraps a provider SSE body in a watcher that tees the bytes,
// accumulates deltas and usage as they pass, and resolves both futures on
// EOF or Close.
func NewStreamResult(body io.ReadCloser, provider, model string) *StreamResult {
	w := &streamWatcher{
		body:     body,
		provider: provider,
		model:    model,
		usageCh:  make(chan UsageResult, 1),
		respCh:   make(chan ResponseResult, 1),
	}
	return &StreamResult{
		Provider: provider,
		Model:    model,
		Body:     w,
		Usage:    w.usageCh,
		Response: w.respCh,
	}
}

// streamWatcher observes an OpenAI-compatible SSE stream as it is relayed.
// Parsing is incremental: events are cut on blank lines, each "data:" payload
// is inspected with gjson, and the final usage block wins.
type streamWatcher struct {
	body     io.ReadCloser
	provider string
	model    string

	mu           sync.Mutex
	pending      []byte
	content      strings.Builder
	usage        core.Usage
	sawUsage     bool
	responseID   string
	finishReason string
	created      int64

	resolveOnce sync.Once
	usageCh     chan UsageResult
	respCh      chan ResponseResult
}

func (w *streamWatcher) Read(p []byte) (n int, err error) {
	n, err = w.body.Read(p)
	if n > 0 {
		w.scan(p[:n])
	}
	if err == io.EOF {
		w.resolve(nil)
	} else if err != nil {
		w.resolve(err)
	}
	return n, err
}

func (w *streamWatcher) Close() error {
	err := w.body.Close()
	w.mu.Lock()
	w.flushPending()
	terminal := w.sawUsage || w.finishReason != ""
	w.mu.Unlock()
	if terminal {
		w.resolve(nil)
	} else {
		w.resolve(ErrStreamInterrupted)
	}
	return err
}

// scan consumes a relayed chunk, parsing any SSE events it completes.
func (w *streamWatcher) scan(chunk []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, chunk...)
	for {
		idx := bytes.Index(w.pending, []byte("\n\n"))
		if idx < 0 {
			break
		}
		event := w.pending[:idx]
		w.pending = w.pending[idx+2:]
		w.parseEvent(event)
	}
	if len(w.pending) > maxPendingBytes {
		w.pending = w.pending[len(w.pending)-maxPendingBytes:]
	}
}

// flushPending parses whatever is left in the buffer as a final event. A
// stream may end right after its last data line, without the trailing blank
// line separator. Caller holds mu.
func (w *streamWatcher) flushPending() {
	if len(w.pending) == 0 {
		return
	}
	w.parseEvent(w.pending)
	w.pending = nil
}

func (w *streamWatcher) parseEvent(event []byte) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		w.parseChunk(data)
	}
}

// parseChunk pulls the interesting fields out of one SSE JSON payload.
// Unknown shapes are ignored; the stream is relayed either way.
func (w *streamWatcher) parseChunk(data []byte) {
	if !gjson.ValidBytes(data) {
		return
	}

	if id := gjson.GetBytes(data, "id"); id.Exists() && w.responseID == "" {
		w.responseID = id.String()
	}
	if m := gjson.GetBytes(data, "model"); m.Exists() && m.String() != "" {
		w.model = m.String()
	}
	if c := gjson.GetBytes(data, "created"); c.Exists() && w.created == 0 {
		w.created = c.Int()
	}
	if delta := gjson.GetBytes(data, "choices.0.delta.content"); delta.Exists() {
		w.content.WriteString(delta.String())
	}
	if fr := gjson.GetBytes(data, "choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		w.finishReason = fr.String()
	}

	usage := gjson.GetBytes(data, "usage")
	if !usage.Exists() || !usage.IsObject() {
		return
	}
	u := core.Usage{
		InputTokens:  int(firstInt(usage, "prompt_tokens", "input_tokens")),
		OutputTokens: int(firstInt(usage, "completion_tokens", "output_tokens")),
		TotalTokens:  int(usage.Get("total_tokens").Int()),
	}
	if u.InputTokens > 0 || u.OutputTokens > 0 || u.TotalTokens > 0 {
		w.usage = u
		w.sawUsage = true
	}
}

// firstInt returns the first present key from an OpenAI- or Gemini-flavored
// usage object.
func firstInt(obj gjson.Result, keys ...string) int64 {
	for _, key := range keys {
		if v := obj.Get(key); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// resolve delivers both futures exactly once. The channels are buffered so
// delivery never blocks, and late subscribers still receive the value.
func (w *streamWatcher) resolve(cause error) {
	w.resolveOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		w.flushPending()
		w.usageCh <- UsageResult{Usage: w.usage.Normalize(), Err: cause}
		w.respCh <- ResponseResult{
			Response: &core.LLMResponse{
				ID:           w.responseID,
				Provider:     w.provider,
				Model:        w.model,
				Content:      w.content.String(),
				FinishReason: w.finishReason,
				Usage:        w.usage.Normalize(),
				Created:      w.created,
			},
			Err: cause,
		}
	})
}
