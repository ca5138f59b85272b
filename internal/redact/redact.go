// Package redact masks selected argv tokens in the rendered report
// without altering resource accounting: a terminal recording of this
// tool's output can otherwise leak a credential passed as a
// command-line argument.
package redact

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

const mask = "***"

// Rule names the argv positions (0-based, argv[0] itself excluded
// from masking since it is how rules match) to redact for commands
// whose normalized name (as passed to Apply) equals Command.
type Rule struct {
	Command   string `yaml:"command"`
	Positions []int  `yaml:"positions"`
}

// Settings is the decoded shape of a `--redact PATH` YAML file:
//
//	rules:
//	  - command: "mysql"
//	    positions: [2]
//	  - command: "curl"
//	    positions: [1, 3]
type Settings struct {
	Rules []Rule `yaml:"rules"`

	byCommand map[string]map[int]bool
}

// Load reads and validates a redaction YAML file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("redact: could not read %q: %w", path, err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("redact: could not parse YAML %q: %w", path, err)
	}

	s.byCommand = make(map[string]map[int]bool, len(s.Rules))
	for _, r := range s.Rules {
		if r.Command == "" {
			return nil, fmt.Errorf("redact %q: rule missing command", path)
		}
		positions, ok := s.byCommand[r.Command]
		if !ok {
			positions = make(map[int]bool)
			s.byCommand[r.Command] = positions
		}
		for _, p := range r.Positions {
			if p <= 0 {
				return nil, fmt.Errorf("redact %q: command %q has non-positive argv position %d", path, r.Command, p)
			}
			positions[p] = true
		}
	}

	return &s, nil
}

// Apply returns a copy of argv with configured positions replaced by
// "***" for the given normalized command name. argv is left untouched
// when s is nil or has no rule for name.
func (s *Settings) Apply(name string, argv []string) []string {
	if s == nil || len(argv) == 0 {
		return argv
	}
	positions, ok := s.byCommand[name]
	if !ok {
		return argv
	}

	out := append([]string(nil), argv...)
	for pos := range positions {
		if pos < len(out) {
			out[pos] = mask
		}
	}
	return out
}
