package compile

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Element type names accepted by the source format.
const (
	typeStart   = "start"
	typeEnd     = "end"
	typeService = "service"
	typeTimer   = "timer"
	typeReceive = "receive"
	typeSet     = "set"
	typeSwitch  = "switch"
	typeFork    = "fork"
	typeJoin    = "join"
	typeRace    = "race"
	typeFail    = "fail"
)

// modeInclusive marks a fork whose branches are taken conditionally; the
// default (empty) mode forks every branch.
const modeInclusive = "inclusive"

// DefaultRetries is the retry budget applied to service tasks that do not
// declare one.
const DefaultRetries = 3

// Source is the YAML representation of a process definition.
type Source struct {
	// Process is the process key.
	Process string `yaml:"process"`

	// BufferSignals enables buffering of signals that arrive before any fiber
	// is waiting for them. When false such signals are dropped.
	BufferSignals bool `yaml:"buffer_signals"`

	// Elements is the flat element list; control flow is expressed by
	// reference via the "next" fields.
	Elements []SourceElement `yaml:"elements"`
}

// SourceElement is a single element of a process definition. The fields in
// use depend on Type.
type SourceElement struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	Next string `yaml:"next"`

	// end
	Terminate bool `yaml:"terminate"`

	// service
	Task      string `yaml:"task"`
	Retries   *int   `yaml:"retries"`
	Timeout   string `yaml:"timeout"`
	OnTimeout string `yaml:"on_timeout"`

	// timer
	Duration string `yaml:"duration"`

	// receive
	Message     string `yaml:"message"`
	Correlation string `yaml:"correlation"`

	// set
	Flag  string `yaml:"flag"`
	Value any    `yaml:"value"`

	// switch, and inclusive fork branch conditions
	Cases []SourceCase `yaml:"cases"`

	// fork
	Branches []string `yaml:"branches"`
	Mode     string   `yaml:"mode"`
	Join     string   `yaml:"join"`

	// race
	Arms []SourceArm `yaml:"arms"`

	// fail
	Code string `yaml:"code"`
}

// SourceCase is one branch of a switch element. A case without a flag is the
// default branch.
type SourceCase struct {
	Flag string `yaml:"flag"`
	When *bool  `yaml:"when"`
	Next string `yaml:"next"`
}

// SourceArm is one candidate trigger of a race element. Exactly one of
// Message or Timer must be set.
type SourceArm struct {
	Message     string `yaml:"message"`
	Correlation string `yaml:"correlation"`
	Timer       string `yaml:"timer"`
	Next        string `yaml:"next"`
}

// parseSource decodes the YAML source.
func parseSource(src []byte) (*Source, error) {
	var s Source

	if err := yaml.Unmarshal(src, &s); err != nil {
		return nil, fmt.Errorf("malformed source: %w", err)
	}

	return &s, nil
}

// parseDuration parses a duration field such as "48h" or "500ms".
func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}

	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}

	return d, nil
}
