package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Render formats a result as the plain-text trace stored in golden files.
func Render(r *Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", r.Scenario)
	fmt.Fprintf(&buf, "backend: %s\n", r.Backend)
	buf.WriteString("trace:\n")
	for _, ev := range r.Trace {
		fmt.Fprintf(&buf, "  #%d %s %s %s -> %s", ev.Seq, ev.Node, ev.Op, ev.Article, ev.Outcome)
		if ev.Stage != "" {
			fmt.Fprintf(&buf, " (%s)", ev.Stage)
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("final:\n")
	for _, a := range r.Final {
		fmt.Fprintf(&buf, "  %s published=%t hooks=%d\n", a.Name, a.Published, a.Hooks)
	}
	if len(r.Errors) > 0 {
		buf.WriteString("errors:\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&buf, "  %s\n", e)
		}
	}
	return buf.Bytes()
}

// RunWithGolden runs scenario and compares its rendered trace with
// testdata/golden/<name>.golden. Regenerate with -update.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Render(result))
}
