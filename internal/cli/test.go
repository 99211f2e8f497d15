package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/hyperdoc/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool          // regenerate golden files
	Filter    string        // scenario filter (glob pattern)
	GoldenDir string        // defaults to <scenarios-dir>/../golden
	Timeout   time.Duration // per scenario
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name" yaml:"name"`
	Pass   bool     `json:"pass" yaml:"pass"`
	Errors []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios" yaml:"scenarios"`
	Passed    int              `json:"passed" yaml:"passed"`
	Failed    int              `json:"failed" yaml:"failed"`
	Total     int              `json:"total" yaml:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run multi-peer sync scenarios",
		Long: `Run YAML sync scenarios against in-memory peers and compare each
converged result with its golden file.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  hyperdoc test ./testdata/scenarios
  hyperdoc test ./testdata/scenarios --filter "fork*"
  hyperdoc test ./testdata/scenarios --update
  hyperdoc test ./testdata/scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "golden file directory (default: sibling golden/ of the scenarios dir)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "per-scenario timeout")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}
	if opts.GoldenDir == "" {
		opts.GoldenDir = filepath.Join(filepath.Dir(filepath.Clean(scenariosDir)), "golden")
	}

	scenarioFiles, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	formatter := formatterFor(cmd, opts.RootOptions)
	if len(scenarioFiles) == 0 {
		return formatter.Render(TestResult{Scenarios: []ScenarioResult{}}, func(w io.Writer) {
			fmt.Fprintln(w, "No scenarios found.")
		})
	}

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(scenarioFiles)),
		Total:     len(scenarioFiles),
	}
	for _, scenarioFile := range scenarioFiles {
		scenResult := runScenario(scenarioFile, opts, cmd)
		if opts.Format == "text" {
			writeScenarioResult(cmd.OutOrStdout(), scenResult)
		}
		result.Scenarios = append(result.Scenarios, scenResult)
		if scenResult.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if err := formatter.Render(result, func(w io.Writer) {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
		if result.Failed == 0 {
			fmt.Fprintln(w, "✓ All scenarios passed")
		}
	}); err != nil {
		return err
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

func writeScenarioResult(w io.Writer, r ScenarioResult) {
	if r.Pass {
		fmt.Fprintf(w, "✓ %s\n", r.Name)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", r.Name)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// findScenarioFiles finds all YAML scenario files in a directory.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}

// runScenario executes a single scenario and checks it against its golden
// file when one exists.
func runScenario(scenarioFile string, opts *TestOptions, cmd *cobra.Command) ScenarioResult {
	scenario, err := harness.LoadScenario(scenarioFile)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(scenarioFile),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()

	result, err := harness.Run(ctx, scenario)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}
	if !result.Pass {
		return ScenarioResult{Name: scenario.Name, Errors: result.Errors}
	}

	current, err := harness.Snapshot{ScenarioName: scenario.Name, Peers: result.Peers}.Render()
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("failed to render snapshot: %v", err)},
		}
	}

	goldenPath := filepath.Join(opts.GoldenDir, scenario.Name+".golden")
	if opts.Update {
		if err := os.MkdirAll(opts.GoldenDir, 0o755); err != nil {
			return ScenarioResult{Name: scenario.Name, Errors: []string{fmt.Sprintf("failed to create golden directory: %v", err)}}
		}
		if err := os.WriteFile(goldenPath, current, 0o644); err != nil {
			return ScenarioResult{Name: scenario.Name, Errors: []string{fmt.Sprintf("failed to write golden file: %v", err)}}
		}
		opts.VerboseLogf(cmd, "golden updated: %s", goldenPath)
		return ScenarioResult{Name: scenario.Name, Pass: true}
	}

	golden, err := os.ReadFile(goldenPath)
	if os.IsNotExist(err) {
		// No golden file: assertions alone decide.
		return ScenarioResult{Name: scenario.Name, Pass: true}
	}
	if err != nil {
		return ScenarioResult{Name: scenario.Name, Errors: []string{fmt.Sprintf("failed to read golden file: %v", err)}}
	}
	if !bytes.Equal(golden, current) {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{"converged state does not match golden file (run with --update to regenerate)"},
		}
	}
	return ScenarioResult{Name: scenario.Name, Pass: true}
}

// VerboseLogf writes a diagnostic line to stderr when --verbose is set.
func (o *RootOptions) VerboseLogf(cmd *cobra.Command, format string, args ...any) {
	formatterFor(cmd, o).VerboseLog(format, args...)
}
