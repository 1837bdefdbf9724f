package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/publishonce/internal/guard"
)

// Backends a scenario can run against.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Scenario describes one multi-node publish test.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Backend is "sqlite" (default) or "memory". Memory nodes share one
	// in-process store.
	Backend string `yaml:"backend,omitempty"`

	// Lock is the guard's lock mode: "nowait" (default), "wait" or a
	// bounded wait such as "200ms".
	Lock string `yaml:"lock,omitempty"`

	Nodes    []string `yaml:"nodes"`
	Articles []string `yaml:"articles"`
	Steps    []Step   `yaml:"steps"`

	// ExpectHooks maps article name to the number of side effects that
	// completed successfully.
	ExpectHooks map[string]int `yaml:"expect_hooks,omitempty"`

	// ExpectPublished maps article name to its final committed flag.
	ExpectPublished map[string]bool `yaml:"expect_published,omitempty"`
}

// Step is one action on one node. Exactly one of Publish or Release is set.
type Step struct {
	Node    string `yaml:"node"`
	Publish string `yaml:"publish,omitempty"`
	Release string `yaml:"release,omitempty"`

	Hold     bool `yaml:"hold,omitempty"`
	FailHook bool `yaml:"fail_hook,omitempty"`
	Stale    bool `yaml:"stale,omitempty"`

	// Expect is the required outcome, or empty to accept any.
	Expect Outcome `yaml:"expect,omitempty"`
}

// Article returns the article the step targets.
func (s Step) Article() string {
	if s.Release != "" {
		return s.Release
	}
	return s.Publish
}

// Op returns "publish" or "release".
func (s Step) Op() string {
	if s.Release != "" {
		return "release"
	}
	return "publish"
}

// LoadScenario reads and validates a scenario file. Unknown keys are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", s.Name, err)
	}
	return &s, nil
}

// Validate checks structure. It does not require published articles to be
// declared: publishing an undeclared name is how a scenario asserts not_found.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	switch s.Backend {
	case "", BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if _, err := guard.ParseLockMode(s.Lock); err != nil {
		return err
	}
	if len(s.Nodes) == 0 {
		return errors.New("nodes list is required and must be non-empty")
	}
	nodes := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n == "" {
			return errors.New("node names must be non-empty")
		}
		if nodes[n] {
			return fmt.Errorf("duplicate node %q", n)
		}
		nodes[n] = true
	}
	articles := make(map[string]bool, len(s.Articles))
	for _, a := range s.Articles {
		if a == "" {
			return errors.New("article names must be non-empty")
		}
		if articles[a] {
			return fmt.Errorf("duplicate article %q", a)
		}
		articles[a] = true
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	for i, st := range s.Steps {
		if !nodes[st.Node] {
			return fmt.Errorf("steps[%d]: unknown node %q", i, st.Node)
		}
		if (st.Publish == "") == (st.Release == "") {
			return fmt.Errorf("steps[%d]: exactly one of publish or release is required", i)
		}
		if st.Release != "" && (st.Hold || st.FailHook || st.Stale) {
			return fmt.Errorf("steps[%d]: hold, fail_hook and stale apply only to publish", i)
		}
		if st.Stale && !articles[st.Publish] {
			return fmt.Errorf("steps[%d]: stale publish needs declared article %q", i, st.Publish)
		}
		if st.Expect != "" && !st.Expect.Valid() {
			return fmt.Errorf("steps[%d]: unknown outcome %q", i, st.Expect)
		}
		if st.Expect == OutcomeHeld && !st.Hold {
			return fmt.Errorf("steps[%d]: expect held requires hold: true", i)
		}
	}
	for name := range s.ExpectHooks {
		if !articles[name] {
			return fmt.Errorf("expect_hooks: unknown article %q", name)
		}
	}
	for name := range s.ExpectPublished {
		if !articles[name] {
			return fmt.Errorf("expect_published: unknown article %q", name)
		}
	}
	return nil
}
