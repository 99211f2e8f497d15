package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/hyperdoc/internal/ir"
)

// Snapshot is the golden form of a scenario run. Document ids and actor
// ids are random per run, so only aliases and content appear.
type Snapshot struct {
	ScenarioName string                         `json:"scenario_name"`
	Peers        map[string]map[string]DocState `json:"peers"`
}

// Render returns the canonical JSON of the snapshot with a trailing
// newline.
func (s Snapshot) Render() ([]byte, error) {
	data, err := ir.MarshalCanonical(s)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares the converged views with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, ctx context.Context, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(ctx, scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	data, err := Snapshot{ScenarioName: scenarioName, Peers: result.Peers}.Render()
	if err != nil {
		t.Fatalf("render snapshot: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
}
