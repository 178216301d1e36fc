// Package manifest defines the job start contract.
//
// A JobSpec is the validated form of a job_start request. Requests arrive as
// JSON (HTTP boundary) or as a JSON/YAML manifest file (CLI); both are decoded
// into wire structs, defaulted, and validated before any job state is created.
// Unknown fields are ignored for forward compatibility.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// OnMissing selects gate behavior when required files never appear.
type OnMissing string

const (
	// OnMissingBlock ends the job in blocked without enqueueing the callback.
	// This is the default: running analysis over partial output is worse than
	// surfacing the gap explicitly.
	OnMissingBlock OnMissing = "block"

	// OnMissingProceed enqueues the callback anyway, tagged with a note that
	// artifacts may be incomplete.
	OnMissingProceed OnMissing = "proceed"
)

// OnFail selects preflight behavior when a check fails.
type OnFail string

const (
	OnFailReject OnFail = "reject"
	OnFailWarn   OnFail = "warn"
)

// Preflight check types.
const (
	CheckPathExists    = "path_exists"
	CheckCmdExitZero   = "cmd_exit_zero"
	CheckMinFreeDiskGB = "min_free_disk_gb"
)

// WatchSpec is the resolved watch contract for a job.
type WatchSpec struct {
	EverySec        int       `json:"everySec"`
	TailLines       int       `json:"tailLines"`
	ThenTask        string    `json:"thenTask,omitempty"`
	RunTasks        bool      `json:"runTasks"`
	RequireFiles    []string  `json:"requireFiles,omitempty"`
	ReadyTimeoutSec int       `json:"readyTimeoutSec"`
	ReadyPollSec    int       `json:"readyPollSec"`
	OnMissing       OnMissing `json:"onMissing"`
}

// PreflightCheck is one declarative check run before spawn.
type PreflightCheck struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params" yaml:"params"`
	OnFail OnFail         `json:"onFail" yaml:"onFail"`
}

// JobSpec is a validated job_start request.
type JobSpec struct {
	ConversationKey string           `json:"conversationKey"`
	Command         string           `json:"command"`
	Watch           WatchSpec        `json:"watch"`
	Preflight       []PreflightCheck `json:"preflight,omitempty"`
}

// Defaults supplies values for watch sub-fields the request omits.
type Defaults struct {
	EverySec        int
	TailLines       int
	ReadyTimeoutSec int
	ReadyPollSec    int
	OnMissing       OnMissing
	RunTasks        bool
	ConversationKey string
}

// StandardDefaults returns the documented fallback values.
func StandardDefaults() Defaults {
	return Defaults{
		EverySec:        20,
		TailLines:       40,
		ReadyTimeoutSec: 600,
		ReadyPollSec:    5,
		OnMissing:       OnMissingBlock,
		RunTasks:        true,
		ConversationKey: "local",
	}
}

// Wire structs use pointers so that absent fields are distinguishable from
// explicit zero values during defaulting.
type watchWire struct {
	EverySec        *int     `json:"everySec" yaml:"everySec"`
	TailLines       *int     `json:"tailLines" yaml:"tailLines"`
	ThenTask        string   `json:"thenTask" yaml:"thenTask"`
	RunTasks        *bool    `json:"runTasks" yaml:"runTasks"`
	RequireFiles    []string `json:"requireFiles" yaml:"requireFiles"`
	ReadyTimeoutSec *int     `json:"readyTimeoutSec" yaml:"readyTimeoutSec"`
	ReadyPollSec    *int     `json:"readyPollSec" yaml:"readyPollSec"`
	OnMissing       string   `json:"onMissing" yaml:"onMissing"`
}

type jobWire struct {
	ConversationKey string           `json:"conversationKey" yaml:"conversationKey"`
	Command         string           `json:"command" yaml:"command"`
	Watch           *watchWire       `json:"watch" yaml:"watch"`
	Preflight       []PreflightCheck `json:"preflight" yaml:"preflight"`
}

// ParseJSON decodes and validates a job_start request body.
func ParseJSON(data []byte, d Defaults) (*JobSpec, error) {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse job spec: %w", err)
	}
	return resolve(&w, d)
}

// LoadFile reads a manifest file. YAML and JSON are both accepted; the format
// is chosen by extension, defaulting to YAML.
func LoadFile(path string, d Defaults) (*JobSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job manifest: %w", err)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return ParseJSON(b, d)
	}
	var w jobWire
	if err := yaml.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("parse job manifest: %w", err)
	}
	return resolve(&w, d)
}

func resolve(w *jobWire, d Defaults) (*JobSpec, error) {
	spec := &JobSpec{
		ConversationKey: strings.TrimSpace(w.ConversationKey),
		Command:         strings.TrimSpace(w.Command),
		Preflight:       w.Preflight,
	}
	if spec.ConversationKey == "" {
		spec.ConversationKey = d.ConversationKey
	}

	spec.Watch = WatchSpec{
		EverySec:        d.EverySec,
		TailLines:       d.TailLines,
		ReadyTimeoutSec: d.ReadyTimeoutSec,
		ReadyPollSec:    d.ReadyPollSec,
		OnMissing:       d.OnMissing,
		RunTasks:        d.RunTasks,
	}
	if w.Watch != nil {
		ww := w.Watch
		if ww.EverySec != nil {
			spec.Watch.EverySec = *ww.EverySec
		}
		if ww.TailLines != nil {
			spec.Watch.TailLines = *ww.TailLines
		}
		spec.Watch.ThenTask = strings.TrimSpace(ww.ThenTask)
		if ww.RunTasks != nil {
			spec.Watch.RunTasks = *ww.RunTasks
		}
		spec.Watch.RequireFiles = ww.RequireFiles
		if ww.ReadyTimeoutSec != nil {
			spec.Watch.ReadyTimeoutSec = *ww.ReadyTimeoutSec
		}
		if ww.ReadyPollSec != nil {
			spec.Watch.ReadyPollSec = *ww.ReadyPollSec
		}
		if ww.OnMissing != "" {
			spec.Watch.OnMissing = OnMissing(ww.OnMissing)
		}
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks the resolved spec. It is exhaustive by design: malformed
// contracts are rejected before any job state exists.
func (s *JobSpec) Validate() error {
	if s.Command == "" {
		return fmt.Errorf("command is required")
	}
	if s.Watch.EverySec <= 0 {
		return fmt.Errorf("watch.everySec must be positive, got %d", s.Watch.EverySec)
	}
	if s.Watch.TailLines <= 0 {
		return fmt.Errorf("watch.tailLines must be positive, got %d", s.Watch.TailLines)
	}
	if s.Watch.ReadyTimeoutSec <= 0 {
		return fmt.Errorf("watch.readyTimeoutSec must be positive, got %d", s.Watch.ReadyTimeoutSec)
	}
	if s.Watch.ReadyPollSec <= 0 {
		return fmt.Errorf("watch.readyPollSec must be positive, got %d", s.Watch.ReadyPollSec)
	}
	switch s.Watch.OnMissing {
	case OnMissingBlock, OnMissingProceed:
	default:
		return fmt.Errorf("watch.onMissing must be %q or %q, got %q", OnMissingBlock, OnMissingProceed, s.Watch.OnMissing)
	}
	for _, f := range s.Watch.RequireFiles {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("watch.requireFiles contains an empty path")
		}
	}
	for i, c := range s.Preflight {
		if err := validateCheck(c); err != nil {
			return fmt.Errorf("preflight[%d]: %w", i, err)
		}
	}
	return nil
}

func validateCheck(c PreflightCheck) error {
	switch c.OnFail {
	case OnFailReject, OnFailWarn, "":
		// Empty defaults to reject; see CheckOnFail.
	default:
		return fmt.Errorf("onFail must be %q or %q, got %q", OnFailReject, OnFailWarn, c.OnFail)
	}
	switch c.Type {
	case CheckPathExists:
		if _, err := c.StringParam("path"); err != nil {
			return err
		}
	case CheckCmdExitZero:
		if _, err := c.StringParam("cmd"); err != nil {
			return err
		}
	case CheckMinFreeDiskGB:
		if _, err := c.StringParam("path"); err != nil {
			return err
		}
		if _, err := c.FloatParam("gb"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown check type %q", c.Type)
	}
	return nil
}

// CheckOnFail returns the effective failure policy for a check.
func (c PreflightCheck) CheckOnFail() OnFail {
	if c.OnFail == "" {
		return OnFailReject
	}
	return c.OnFail
}

// StringParam extracts a required non-empty string parameter.
func (c PreflightCheck) StringParam(key string) (string, error) {
	v, ok := c.Params[key]
	if !ok {
		return "", fmt.Errorf("check %q requires param %q", c.Type, key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("check %q param %q must be a non-empty string", c.Type, key)
	}
	return s, nil
}

// FloatParam extracts a required positive numeric parameter. JSON decodes
// numbers as float64; YAML may produce int.
func (c PreflightCheck) FloatParam(key string) (float64, error) {
	v, ok := c.Params[key]
	if !ok {
		return 0, fmt.Errorf("check %q requires param %q", c.Type, key)
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, fmt.Errorf("check %q param %q must be a number", c.Type, key)
	}
	if f <= 0 {
		return 0, fmt.Errorf("check %q param %q must be positive", c.Type, key)
	}
	return f, nil
}
