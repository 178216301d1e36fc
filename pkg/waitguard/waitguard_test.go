package waitguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		patterns []string
		flagged  bool
	}{
		{
			name:    "no pgrep at all",
			command: "python train.py --epochs 10",
		},
		{
			name:     "self-matching bare pattern",
			command:  "python train.py & while pgrep -f train.py; do sleep 5; done",
			patterns: []string{"train.py"},
			flagged:  true,
		},
		{
			name:     "self-matching quoted pattern",
			command:  `nohup bash run.sh & until ! pgrep -f "run.sh"; do sleep 1; done`,
			patterns: []string{"run.sh"},
			flagged:  true,
		},
		{
			name:     "bracket trick waiting on an external process",
			command:  "while pgrep -f '[t]rain.py'; do sleep 5; done",
			patterns: []string{"[t]rain.py"},
			flagged:  false,
		},
		{
			// The bracket trick does not help when the launch itself is on
			// the same line: the pattern still matches the shell's own
			// invocation via the spelled-out program name.
			name:     "bracket trick defeated by same-line launch",
			command:  "python train.py & while pgrep -f '[t]rain.py'; do sleep 5; done",
			patterns: []string{"[t]rain.py"},
			flagged:  true,
		},
		{
			name:     "combined flags still extract the pattern",
			command:  "pgrep -af worker.py && echo busy",
			patterns: []string{"worker.py"},
			flagged:  true,
		},
		{
			name:    "pgrep without -f is out of scope",
			command: "pgrep nginx && echo up",
		},
		{
			name:     "multiple patterns mixed",
			command:  "pgrep -f '[m]onitor.py'; pgrep -f runner.py",
			patterns: []string{"[m]onitor.py", "runner.py"},
			flagged:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Inspect(tt.command)
			assert.Equal(t, tt.patterns, res.Patterns)
			assert.Equal(t, tt.flagged, res.Flagged())
		})
	}
}

func TestInspect_SelfMatchDetail(t *testing.T) {
	res := Inspect("python train.py & while pgrep -f train.py; do sleep 5; done")
	require.True(t, res.Flagged())
	require.Len(t, res.SelfMatching, 1)
	assert.Equal(t, "train.py", res.SelfMatching[0].Pattern)
}

func TestInspect_OnlySelfMatchersAreFlagged(t *testing.T) {
	res := Inspect("pgrep -f '[m]onitor.py'; pgrep -f runner.py")
	require.Len(t, res.SelfMatching, 1)
	assert.Equal(t, "runner.py", res.SelfMatching[0].Pattern)
}

func TestModeValid(t *testing.T) {
	assert.True(t, ModeOff.Valid())
	assert.True(t, ModeWarn.Valid())
	assert.True(t, ModeReject.Valid())
	assert.False(t, Mode("strict").Valid())
}
