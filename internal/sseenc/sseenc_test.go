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

package sseenc

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonmesh/queryorch/internal/model"
)

func TestNewWriterSetsStreamingHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	require.NotNil(t, w)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, 200, rec.Code)
}

func TestWriteEventProducesEventIDDataFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	err = w.WriteEvent(model.Event{Seq: 3, Kind: model.EventToken, Token: "hello"})
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, "event: token\n")
	assert.Contains(t, body, "id: 3\n")
	assert.Contains(t, body, `data: {`)
	assert.Contains(t, body, `"hello"`)
	assert.True(t, strings.HasSuffix(body, "\n\n"), "frame must terminate with a blank line")
}

func TestWriteEventEscapesNewlinesInHeaderFields(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	err = w.WriteEvent(model.Event{Seq: 1, Kind: model.EventKind("weird\nkind")})
	require.NoError(t, err)

	assert.Contains(t, rec.Body.String(), `event: weird\nkind`)
}

func TestWriteCommentEmitsColonPrefixedLine(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteComment("keepalive"))
	assert.Contains(t, rec.Body.String(), ":keepalive\n\n")
}

// nonFlushingResponseWriter implements http.ResponseWriter but deliberately
// not http.Flusher, so NewWriter must reject it.
type nonFlushingResponseWriter struct {
	header http.Header
	code   int
	buf    bytes.Buffer
}

func (w *nonFlushingResponseWriter) Header() http.Header         { return w.header }
func (w *nonFlushingResponseWriter) Write(b []byte) (int, error) { return w.buf.Write(b) }
func (w *nonFlushingResponseWriter) WriteHeader(code int)        { w.code = code }

func TestNewWriterRejectsNonFlushableResponseWriter(t *testing.T) {
	_, err := NewWriter(&nonFlushingResponseWriter{header: http.Header{}})
	assert.Error(t, err)
}
