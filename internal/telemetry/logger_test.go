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

package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerInfoEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("test-component").WithWriter(&buf)

	l.Info("trace-1", "query-1", "hello", map[string]interface{}{"k": "v"})

	var entry Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, LevelInfo, entry.Level)
	assert.Equal(t, "test-component", entry.Component)
	assert.Equal(t, "trace-1", entry.TraceID)
	assert.Equal(t, "hello", entry.Message)
	assert.Equal(t, "v", entry.Fields["k"])
}

func TestLoggerErrorAttachesErrorMessage(t *testing.T) {
	var buf bytes.Buffer
	l := New("test-component").WithWriter(&buf)

	l.Error("t", "q", "failed", errors.New("boom"), nil)

	var entry Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, LevelError, entry.Level)
	assert.Equal(t, "boom", entry.Fields["error"])
}

func TestLoggerWarnLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("c").WithWriter(&buf)
	l.Warn("t", "q", "careful", nil)
	var entry Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, LevelWarn, entry.Level)
}
