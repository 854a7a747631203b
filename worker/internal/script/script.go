package script

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Script is a canned judge run: the events a worker would emit for one
// submission, in order.
type Script struct {
	Name   string  `yaml:"name"`
	Events []Event `yaml:"events"`
}

type Event struct {
	Status  string
	Message string
	// Delay is waited before the event is sent.
	Delay time.Duration
}

type rawEvent struct {
	Status  string        `yaml:"status"`
	Message any           `yaml:"message"`
	Delay   time.Duration `yaml:"delay,omitempty"`
}

var statuses = map[string]bool{
	"PROGRESS":      true,
	"VERDICT":       true,
	"FINAL_VERDICT": true,
	"INFO":          true,
	"ERROR":         true,
}

// UnmarshalYAML accepts a message either as a string or, for verdicts, as a
// mapping that is re-encoded to a JSON object.
func (e *Event) UnmarshalYAML(node *yaml.Node) error {
	var raw rawEvent
	if err := node.Decode(&raw); err != nil {
		return err
	}
	e.Status = strings.ToUpper(strings.TrimSpace(raw.Status))
	e.Delay = raw.Delay

	switch msg := raw.Message.(type) {
	case nil:
		e.Message = ""
	case string:
		e.Message = msg
	case map[string]any:
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("line %d: encode message: %w", node.Line, err)
		}
		e.Message = string(b)
	default:
		e.Message = fmt.Sprint(msg)
	}
	return nil
}

func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid script %s: %w", path, err)
	}
	return s, nil
}

// Validate applies the same payload rules the relay enforces, so a bad
// script fails here instead of aborting the stream halfway through.
func (s *Script) Validate() error {
	if len(s.Events) == 0 {
		return fmt.Errorf("script has no events")
	}
	for i, ev := range s.Events {
		if !statuses[ev.Status] {
			return fmt.Errorf("event %d: unknown status %q", i+1, ev.Status)
		}
		if ev.Delay < 0 {
			return fmt.Errorf("event %d: negative delay", i+1)
		}
		switch ev.Status {
		case "VERDICT", "FINAL_VERDICT":
			var obj map[string]any
			if err := json.Unmarshal([]byte(ev.Message), &obj); err != nil || obj == nil {
				return fmt.Errorf("event %d: %s message must be a JSON object", i+1, ev.Status)
			}
		default:
			if strings.TrimSpace(ev.Message) == "" {
				return fmt.Errorf("event %d: empty message", i+1)
			}
		}
	}
	return nil
}
