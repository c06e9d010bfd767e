package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/intentd/internal/model"
)

// GoldenDir holds golden trace files, relative to the test's package.
const GoldenDir = "testdata/golden"

// TraceSnapshot captures what a scenario run must reproduce exactly.
type TraceSnapshot struct {
	ScenarioName string           `json:"scenario_name"`
	Outcomes     []Outcome        `json:"outcomes"`
	Trace        []TraceEvent     `json:"trace"`
	Published    []PublishedEvent `json:"published"`
}

// Snapshot encodes a result as canonical JSON for golden comparison.
func Snapshot(name string, result *Result) ([]byte, error) {
	return model.Canonical(TraceSnapshot{
		ScenarioName: name,
		Outcomes:     result.Outcomes,
		Trace:        result.Trace,
		Published:    result.Published,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
