// Package ruleset resolves how verbosely a traced command's
// CommandSpan should be rendered in the report tree. Adapted from the
// teacher's FilterSettings/RSDefinition/FSDetailLevel machinery
// (filter_settings.go, ruleset_definition.go, fsdetaillevel.go,
// parse_yml.go), which decided how verbosely to export a Git command's
// OTLP spans from a `def_param`-driven nickname/ruleset lookup. There
// is no external telemetry stream here, so the nickname/ruleset-key
// indirection collapses to a single YAML file read once at startup:
// a map from normalized command name to detail level, plus a default.
package ruleset

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

// DetailLevel describes how verbosely a CommandSpan should be rendered.
type DetailLevel int

const (
	// DetailUnset is never returned by Resolve; present only as the
	// zero value for detailLevelByName's "not found" case.
	DetailUnset DetailLevel = iota
	// DetailDrop collapses the command and its non-exec descendants
	// out of the rendered tree. Their resource usage still rolls up
	// into the parent's tree usage — this filters rendering, not
	// accounting.
	DetailDrop
	// DetailSummary renders the command as a single line. Default.
	DetailSummary
	// DetailVerbose is reserved for a future per-thread expansion of
	// the command's line; currently behaves like DetailSummary.
	DetailVerbose
)

const (
	dropName    = "dl:drop"
	summaryName = "dl:summary"
	verboseName = "dl:verbose"

	// DefaultName is the detail level assumed when no ruleset is
	// configured at all, or a command matches no rule in one.
	DefaultName = summaryName
)

func detailLevelByName(name string) (DetailLevel, bool) {
	switch name {
	case dropName:
		return DetailDrop, true
	case summaryName:
		return DetailSummary, true
	case verboseName:
		return DetailVerbose, true
	default:
		return DetailUnset, false
	}
}

// Definition is the decoded shape of a `--rules PATH` YAML file:
//
//	commands:
//	  make: "dl:drop"
//	  cc1: "dl:verbose"
//	defaults:
//	  detail: "dl:summary"
type Definition struct {
	Commands map[string]string `mapstructure:"commands"`
	Defaults struct {
		Detail string `mapstructure:"detail"`
	} `mapstructure:"defaults"`
}

// Settings is the validated, ready-to-query form of a Definition.
type Settings struct {
	commands     map[string]DetailLevel
	defaultLevel DetailLevel
}

// Load reads and validates a ruleset YAML file at path. A nil, nil
// return pair never happens: an empty path is the caller's signal to
// skip loading and use Default() instead.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruleset: could not read %q: %w", path, err)
	}

	m := make(map[interface{}]interface{})
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ruleset: could not parse YAML %q: %w", path, err)
	}

	var def Definition
	if err := mapstructure.Decode(m, &def); err != nil {
		return nil, fmt.Errorf("ruleset: could not decode %q: %w", path, err)
	}

	return newSettings(def, path)
}

func newSettings(def Definition, path string) (*Settings, error) {
	s := &Settings{
		commands:     make(map[string]DetailLevel, len(def.Commands)),
		defaultLevel: DetailSummary,
	}

	for cmd, name := range def.Commands {
		dl, ok := detailLevelByName(name)
		if cmd == "" || !ok {
			return nil, fmt.Errorf("ruleset %q: invalid command rule %q: %q", path, cmd, name)
		}
		s.commands[cmd] = dl
	}

	if def.Defaults.Detail != "" {
		dl, ok := detailLevelByName(def.Defaults.Detail)
		if !ok {
			return nil, fmt.Errorf("ruleset %q: invalid default detail level %q", path, def.Defaults.Detail)
		}
		s.defaultLevel = dl
	}

	return s, nil
}

// Default returns the builtin ruleset used when no `--rules` file was
// given: every command renders at DetailSummary.
func Default() *Settings {
	return &Settings{commands: map[string]DetailLevel{}, defaultLevel: DetailSummary}
}

// Resolve returns the detail level for a normalized command name,
// falling back to the ruleset's (or builtin) default when unmatched.
func (s *Settings) Resolve(normalizedName string) DetailLevel {
	if s == nil {
		return DetailSummary
	}
	if dl, ok := s.commands[normalizedName]; ok {
		return dl
	}
	return s.defaultLevel
}
