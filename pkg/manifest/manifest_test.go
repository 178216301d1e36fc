package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalJSON() string {
	return `{"command": "echo hi"}`
}

func fullJSON() string {
	return `{
  "conversationKey": "chan-42",
  "command": "bash tools/exp/run_all.sh",
  "watch": {
    "everySec": 10,
    "tailLines": 80,
    "thenTask": "summarize the run",
    "runTasks": false,
    "requireFiles": ["runs/latest/metrics.json", "runs/latest/summary.md"],
    "readyTimeoutSec": 120,
    "readyPollSec": 2,
    "onMissing": "proceed"
  },
  "preflight": [
    {"type": "path_exists", "params": {"path": "/tmp"}, "onFail": "reject"},
    {"type": "cmd_exit_zero", "params": {"cmd": "true"}, "onFail": "warn"},
    {"type": "min_free_disk_gb", "params": {"path": "/tmp", "gb": 1}}
  ]
}`
}

func fullYAML() string {
	return `conversationKey: chan-42
command: bash tools/exp/run_all.sh
watch:
  everySec: 10
  tailLines: 80
  thenTask: summarize the run
  requireFiles:
    - runs/latest/metrics.json
  readyTimeoutSec: 120
  readyPollSec: 2
  onMissing: block
preflight:
  - type: path_exists
    params:
      path: /tmp
`
}

func TestParseJSON(t *testing.T) {
	d := StandardDefaults()

	tests := []struct {
		name        string
		content     string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, s *JobSpec)
	}{
		{
			name:    "minimal spec gets defaults",
			content: minimalJSON(),
			validate: func(t *testing.T, s *JobSpec) {
				assert.Equal(t, "echo hi", s.Command)
				assert.Equal(t, "local", s.ConversationKey)
				assert.Equal(t, 20, s.Watch.EverySec)
				assert.Equal(t, 40, s.Watch.TailLines)
				assert.Equal(t, 600, s.Watch.ReadyTimeoutSec)
				assert.Equal(t, 5, s.Watch.ReadyPollSec)
				assert.Equal(t, OnMissingBlock, s.Watch.OnMissing)
				assert.True(t, s.Watch.RunTasks)
				assert.Empty(t, s.Watch.RequireFiles)
			},
		},
		{
			name:    "full spec keeps explicit values",
			content: fullJSON(),
			validate: func(t *testing.T, s *JobSpec) {
				assert.Equal(t, "chan-42", s.ConversationKey)
				assert.Equal(t, 10, s.Watch.EverySec)
				assert.Equal(t, 80, s.Watch.TailLines)
				assert.Equal(t, "summarize the run", s.Watch.ThenTask)
				assert.False(t, s.Watch.RunTasks)
				assert.Len(t, s.Watch.RequireFiles, 2)
				assert.Equal(t, OnMissingProceed, s.Watch.OnMissing)
				require.Len(t, s.Preflight, 3)
				assert.Equal(t, OnFailReject, s.Preflight[0].CheckOnFail())
				assert.Equal(t, OnFailWarn, s.Preflight[1].CheckOnFail())
				// Omitted onFail defaults to reject.
				assert.Equal(t, OnFailReject, s.Preflight[2].CheckOnFail())
			},
		},
		{
			name:    "explicit zero runTasks is preserved",
			content: `{"command": "echo hi", "watch": {"runTasks": false}}`,
			validate: func(t *testing.T, s *JobSpec) {
				assert.False(t, s.Watch.RunTasks)
			},
		},
		{
			name:    "unknown fields are ignored",
			content: `{"command": "echo hi", "priority": 9, "watch": {"color": "blue"}}`,
			validate: func(t *testing.T, s *JobSpec) {
				assert.Equal(t, "echo hi", s.Command)
			},
		},
		{
			name:        "missing command",
			content:     `{"watch": {"everySec": 5}}`,
			wantErr:     true,
			errContains: "command is required",
		},
		{
			name:        "malformed JSON",
			content:     `{"command": `,
			wantErr:     true,
			errContains: "parse job spec",
		},
		{
			name:        "bad onMissing",
			content:     `{"command": "echo hi", "watch": {"onMissing": "ignore"}}`,
			wantErr:     true,
			errContains: "onMissing",
		},
		{
			name:        "negative everySec",
			content:     `{"command": "echo hi", "watch": {"everySec": -1}}`,
			wantErr:     true,
			errContains: "everySec",
		},
		{
			name:        "unknown check type",
			content:     `{"command": "echo hi", "preflight": [{"type": "gpu_free", "params": {}}]}`,
			wantErr:     true,
			errContains: "unknown check type",
		},
		{
			name:        "check missing required param",
			content:     `{"command": "echo hi", "preflight": [{"type": "path_exists", "params": {}}]}`,
			wantErr:     true,
			errContains: `requires param "path"`,
		},
		{
			name:        "min_free_disk_gb requires positive gb",
			content:     `{"command": "echo hi", "preflight": [{"type": "min_free_disk_gb", "params": {"path": "/tmp", "gb": 0}}]}`,
			wantErr:     true,
			errContains: "must be positive",
		},
		{
			name:        "empty requireFiles entry",
			content:     `{"command": "echo hi", "watch": {"requireFiles": [" "]}}`,
			wantErr:     true,
			errContains: "empty path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseJSON([]byte(tt.content), d)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, spec)
			if tt.validate != nil {
				tt.validate(t, spec)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	d := StandardDefaults()
	dir := t.TempDir()

	t.Run("yaml manifest", func(t *testing.T) {
		path := filepath.Join(dir, "job.yaml")
		require.NoError(t, os.WriteFile(path, []byte(fullYAML()), 0o644))

		spec, err := LoadFile(path, d)
		require.NoError(t, err)
		assert.Equal(t, "chan-42", spec.ConversationKey)
		assert.Equal(t, 10, spec.Watch.EverySec)
		assert.Equal(t, OnMissingBlock, spec.Watch.OnMissing)
		require.Len(t, spec.Preflight, 1)
		assert.Equal(t, CheckPathExists, spec.Preflight[0].Type)
	})

	t.Run("json manifest by extension", func(t *testing.T) {
		path := filepath.Join(dir, "job.json")
		require.NoError(t, os.WriteFile(path, []byte(fullJSON()), 0o644))

		spec, err := LoadFile(path, d)
		require.NoError(t, err)
		assert.Equal(t, 120, spec.Watch.ReadyTimeoutSec)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(dir, "nope.yaml"), d)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read job manifest")
	})
}

func TestFloatParamYAMLInt(t *testing.T) {
	// yaml.v3 decodes bare integers into int, not float64.
	c := PreflightCheck{Type: CheckMinFreeDiskGB, Params: map[string]any{"path": "/", "gb": 5}}
	gb, err := c.FloatParam("gb")
	require.NoError(t, err)
	assert.Equal(t, 5.0, gb)
}
