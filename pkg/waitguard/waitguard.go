// Package waitguard statically inspects commands for self-matching wait
// loops.
//
// The hazard: a command waits for a process matching pattern P via
// `pgrep -f P`, but P also matches the command's own invocation line, so the
// wait never completes. The job then hangs forever with no error. This is a
// heuristic static check, not a runtime deadlock detector; the failure mode
// is common enough, and silent enough, to be worth catching before spawn.
package waitguard

import (
	"regexp"
	"strings"
)

// Mode selects guard behavior.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeWarn   Mode = "warn"
	ModeReject Mode = "reject"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeWarn, ModeReject:
		return true
	}
	return false
}

// Finding is one extracted wait pattern that matches the command itself.
type Finding struct {
	// Pattern is the pgrep -f argument with surrounding quotes stripped.
	Pattern string
}

// Result is the outcome of inspecting one command.
type Result struct {
	// Patterns lists every pgrep -f pattern found in the command.
	Patterns []string

	// SelfMatching lists the subset that would match the command's own
	// invocation line.
	SelfMatching []Finding
}

// Flagged reports whether any pattern self-matches.
func (r Result) Flagged() bool {
	return len(r.SelfMatching) > 0
}

// pgrepPattern captures the argument following a pgrep flag group containing
// -f. Quoted and bare arguments are both handled.
var pgrepPattern = regexp.MustCompile(`(?:^|[;&|(\s])pgrep\s+(?:-{1,2}\S+\s+)*?-[a-zA-Z]*f[a-zA-Z]*\s+('[^']*'|"[^"]*"|\S+)`)

// Inspect extracts pgrep -f patterns from command and checks each against
// the full command line.
//
// A pattern self-matches when, interpreted the way pgrep interprets it (an
// extended regex over full command lines), it matches the command string
// itself. The bracket trick (`[t]rain.py`) therefore passes: the regex
// matches "train.py", which does not appear in the bracketed invocation.
// Patterns that fail to compile fall back to a substring check.
func Inspect(command string) Result {
	var res Result
	for _, m := range pgrepPattern.FindAllStringSubmatch(command, -1) {
		pattern := stripQuotes(m[1])
		if pattern == "" {
			continue
		}
		res.Patterns = append(res.Patterns, pattern)
		if selfMatches(pattern, command) {
			res.SelfMatching = append(res.SelfMatching, Finding{Pattern: pattern})
		}
	}
	return res
}

func selfMatches(pattern, command string) bool {
	if re, err := regexp.Compile(pattern); err == nil {
		return re.MatchString(command)
	}
	return strings.Contains(command, pattern)
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
