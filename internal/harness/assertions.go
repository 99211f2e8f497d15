package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/hyperdoc/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Peer     string
	Doc      string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Peer != "" {
		fmt.Fprintf(&buf, " (peer=%s)", e.Peer)
	}
	fmt.Fprintf(&buf, " (doc=%s)\n", e.Doc)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertContent:
			err = assertContent(result, a)
		case AssertConverged:
			err = assertConverged(result, a)
		case AssertActorCount:
			err = assertActorCount(result, a)
		case AssertWritable:
			err = assertWritable(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func lookup(result *Result, a Assertion) (DocState, error) {
	state, ok := result.Peers[a.Peer][a.Doc]
	if !ok {
		return DocState{}, &AssertionError{Type: a.Type, Peer: a.Peer, Doc: a.Doc,
			Expected: "document opened on peer", Actual: "not opened"}
	}
	return state, nil
}

// assertContent checks expected keys (subset match) and absent keys.
func assertContent(result *Result, a Assertion) error {
	state, err := lookup(result, a)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		actual, ok := state.Content[k]
		if !ok || !valuesEqual(actual, a.Expect[k]) {
			return &AssertionError{Type: a.Type, Peer: a.Peer, Doc: a.Doc,
				Expected: fmt.Sprintf("%s = %s", k, render(a.Expect[k])),
				Actual:   fmt.Sprintf("%s = %s", k, render(actual))}
		}
	}
	for _, k := range a.Absent {
		if actual, ok := state.Content[k]; ok {
			return &AssertionError{Type: a.Type, Peer: a.Peer, Doc: a.Doc,
				Expected: fmt.Sprintf("%s absent", k),
				Actual:   fmt.Sprintf("%s = %s", k, render(actual))}
		}
	}
	return nil
}

// assertConverged checks that every peer holding the document sees the
// same content.
func assertConverged(result *Result, a Assertion) error {
	var peers []string
	for peer, docs := range result.Peers {
		if _, ok := docs[a.Doc]; ok {
			peers = append(peers, peer)
		}
	}
	sort.Strings(peers)
	if len(peers) < 2 {
		return &AssertionError{Type: a.Type, Doc: a.Doc,
			Expected: "document on at least two peers", Actual: fmt.Sprintf("on %v", peers)}
	}

	want := render(result.Peers[peers[0]][a.Doc].Content)
	for _, peer := range peers[1:] {
		if got := render(result.Peers[peer][a.Doc].Content); got != want {
			return &AssertionError{Type: a.Type, Doc: a.Doc,
				Expected: fmt.Sprintf("%s: %s", peers[0], want),
				Actual:   fmt.Sprintf("%s: %s", peer, got)}
		}
	}
	return nil
}

func assertActorCount(result *Result, a Assertion) error {
	state, err := lookup(result, a)
	if err != nil {
		return err
	}
	if state.Actors != a.Count {
		return &AssertionError{Type: a.Type, Peer: a.Peer, Doc: a.Doc,
			Expected: fmt.Sprintf("%d actors", a.Count), Actual: fmt.Sprintf("%d actors", state.Actors)}
	}
	return nil
}

func assertWritable(result *Result, a Assertion) error {
	state, err := lookup(result, a)
	if err != nil {
		return err
	}
	if state.Writable != a.Writable {
		return &AssertionError{Type: a.Type, Peer: a.Peer, Doc: a.Doc,
			Expected: fmt.Sprintf("writable=%t", a.Writable), Actual: fmt.Sprintf("writable=%t", state.Writable)}
	}
	return nil
}

// valuesEqual compares decoded JSON with YAML values through their
// canonical JSON form, so 1 and 1.0 match.
func valuesEqual(actual, expected any) bool {
	return render(actual) == render(expected)
}

func render(v any) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
