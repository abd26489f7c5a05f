// Copyright 2025 AxonMesh
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sseenc encodes AnswerEnvelope events as Server-Sent Events frames
// and flushes them to an http.ResponseWriter as they are produced, so a
// client sees each lane update, token, and disagreement note the moment the
// orchestrator emits it rather than after the whole answer is ready.
package sseenc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/axonmesh/queryorch/internal/model"
)

// ErrStreamingUnsupported is returned by NewWriter when the underlying
// http.ResponseWriter cannot be flushed incrementally.
var ErrStreamingUnsupported = errors.New("sseenc: response writer does not support flushing")

var lineBreakReplacer = strings.NewReplacer("\n", "\\n", "\r", "\\r")

// Writer streams AnswerEnvelope events to an HTTP client as SSE frames. It
// is not safe for concurrent use by multiple goroutines; internal/httpapi
// writes every event of one query through a single Writer.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for SSE output: sets the standard headers and grabs
// its Flusher. Call this before writing anything else to w.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // disable nginx response buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// WriteEvent encodes ev as JSON and writes it as one SSE frame: an "event:"
// line naming ev.Kind, an "id:" line set to ev.Seq, a "data:" line carrying
// the JSON payload, and the blank line that terminates the frame. It
// flushes immediately so the client receives the frame without delay.
func (w *Writer) WriteEvent(ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sseenc: marshal event: %w", err)
	}

	var buf bytes.Buffer
	writeField(&buf, "event", string(ev.Kind))
	writeField(&buf, "id", strconv.FormatInt(ev.Seq, 10))
	writeDataLines(&buf, payload)
	buf.WriteByte('\n')

	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("sseenc: write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteComment writes an SSE comment line (":text"), used as a keep-alive
// ping during long gaps between events so intermediaries don't time out the
// connection.
func (w *Writer) WriteComment(text string) error {
	if _, err := fmt.Fprintf(w.w, ":%s\n\n", lineBreakReplacer.Replace(text)); err != nil {
		return fmt.Errorf("sseenc: write comment: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func writeField(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(lineBreakReplacer.Replace(value))
	buf.WriteByte('\n')
}

// writeDataLines prefixes every line of a (possibly multi-line, since JSON
// payloads never contain bare newlines this is mostly defensive) data
// payload with "data: ", per the SSE field-per-line convention.
func writeDataLines(buf *bytes.Buffer, payload []byte) {
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
}
