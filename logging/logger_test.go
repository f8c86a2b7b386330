package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Logger = NoOpLogger{}
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = (*MeshLogger)(nil)
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{"", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"loud", LogLevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestMeshLogger_ContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})
	l.WithComponent("hub").WithProcess("hub-1").WithContext("tree", "root").Info("hub.forward", "local_id", "abc")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hub.forward", rec["msg"])
	assert.Equal(t, "hub", rec["component"])
	assert.Equal(t, "hub-1", rec["process"])
	assert.Equal(t, "root", rec["tree"])
	assert.Equal(t, "abc", rec["local_id"])
}

func TestMeshLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "text", Output: &buf})
	l.Info("hidden")
	l.LogStep(1, 2, 0, time.Millisecond, nil)
	assert.Empty(t, buf.String())

	l.LogStep(2, 2, 0, time.Millisecond, errors.New("boom"))
	assert.True(t, strings.Contains(buf.String(), "step.failed"))
}

// recordingLogger captures message names only.
type recordingLogger struct {
	NoOpLogger
	msgs []string
}

func (r *recordingLogger) Warn(msg string, _ ...any)  { r.msgs = append(r.msgs, "warn:"+msg) }
func (r *recordingLogger) Debug(msg string, _ ...any) { r.msgs = append(r.msgs, "debug:"+msg) }
func (r *recordingLogger) Info(msg string, _ ...any)  { r.msgs = append(r.msgs, "info:"+msg) }
func (r *recordingLogger) Error(msg string, _ ...any) { r.msgs = append(r.msgs, "error:"+msg) }

func TestDomainHelpers_FallBackToPlainLogger(t *testing.T) {
	r := &recordingLogger{}
	Step(r, 1, 1, 2, time.Millisecond, nil)
	Dispatch(r, "forward", "id-1", "running", nil)
	OracleCall(r, "mock", 2, time.Millisecond, errors.New("down"))
	assert.Equal(t, []string{"debug:step.completed", "info:dispatch.forward", "warn:oracle.call.failed"}, r.msgs)
}

func TestDomainHelpers_UseMeshLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})
	Dispatch(l, "report", "id-2", "completed", nil)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dispatch.report", rec["msg"])
	assert.Equal(t, "id-2", rec["local_id"])
}
