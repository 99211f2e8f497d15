package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a multi-peer sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Peers lists the repos to start. Each name becomes the repo id.
	Peers []string `yaml:"peers"`

	// Flow is executed in order. Each step waits for its operation to
	// finish on the acting peer but not for replication.
	Flow []Step `yaml:"flow"`

	// Assertions are checked once every peer has gone quiet.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one flow operation. Exactly one operation field is set.
type Step struct {
	// Peer runs the operation. Not used by connect and disconnect.
	Peer string `yaml:"peer,omitempty"`

	// Create allocates a document and binds it to this alias.
	Create string `yaml:"create,omitempty"`

	// Open loads a document by alias on Peer.
	Open string `yaml:"open,omitempty"`

	// Doc is the document edited by Set and Delete.
	Doc string `yaml:"doc,omitempty"`

	// Set assigns keys in Doc.
	Set map[string]any `yaml:"set,omitempty"`

	// Delete removes keys from Doc.
	Delete []string `yaml:"delete,omitempty"`

	// Fork copies a document; As names the new alias.
	Fork string `yaml:"fork,omitempty"`
	As   string `yaml:"as,omitempty"`

	// Merge brings Source into Target.
	Merge *MergeStep `yaml:"merge,omitempty"`

	// Connect links two peers.
	Connect []string `yaml:"connect,omitempty"`

	// Disconnect drops the link between two peers.
	Disconnect []string `yaml:"disconnect,omitempty"`

	// Quiesce waits for replication to settle before the next step.
	Quiesce bool `yaml:"quiesce,omitempty"`
}

// MergeStep names the documents of a merge.
type MergeStep struct {
	Target string `yaml:"target"`
	Source string `yaml:"source"`
}

// Assertion checks converged state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Peer is the observed peer (content, actor_count, writable).
	Peer string `yaml:"peer,omitempty"`

	// Doc is the document alias.
	Doc string `yaml:"doc"`

	// Expect holds expected key values (content). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Absent lists keys that must not exist (content).
	Absent []string `yaml:"absent,omitempty"`

	// Count is the expected actor count (actor_count).
	Count int `yaml:"count,omitempty"`

	// Writable is the expected writer state (writable).
	Writable bool `yaml:"writable,omitempty"`
}

// Assertion type constants.
const (
	AssertContent    = "content"
	AssertConverged  = "converged"
	AssertActorCount = "actor_count"
	AssertWritable   = "writable"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// peer and alias is defined before use.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Peers) == 0 {
		return fmt.Errorf("peers list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	peers := make(map[string]bool, len(s.Peers))
	for _, p := range s.Peers {
		if p == "" || peers[p] {
			return fmt.Errorf("peer names must be unique and non-empty: %q", p)
		}
		peers[p] = true
	}

	aliases := make(map[string]bool)
	knownDoc := func(i int, alias string) error {
		if !aliases[alias] {
			return fmt.Errorf("flow[%d]: unknown document %q", i, alias)
		}
		return nil
	}
	pair := func(i int, names []string, op string) error {
		if len(names) != 2 || names[0] == names[1] {
			return fmt.Errorf("flow[%d]: %s needs two distinct peers", i, op)
		}
		for _, n := range names {
			if !peers[n] {
				return fmt.Errorf("flow[%d]: unknown peer %q", i, n)
			}
		}
		return nil
	}

	for i, step := range s.Flow {
		switch {
		case len(step.Connect) > 0:
			if err := pair(i, step.Connect, "connect"); err != nil {
				return err
			}
			continue
		case len(step.Disconnect) > 0:
			if err := pair(i, step.Disconnect, "disconnect"); err != nil {
				return err
			}
			continue
		case step.Quiesce && step.Peer == "":
			continue
		}

		if !peers[step.Peer] {
			return fmt.Errorf("flow[%d]: unknown peer %q", i, step.Peer)
		}
		switch {
		case step.Create != "":
			if aliases[step.Create] {
				return fmt.Errorf("flow[%d]: document %q already defined", i, step.Create)
			}
			aliases[step.Create] = true
		case step.Open != "":
			if err := knownDoc(i, step.Open); err != nil {
				return err
			}
		case step.Fork != "":
			if err := knownDoc(i, step.Fork); err != nil {
				return err
			}
			if step.As == "" || aliases[step.As] {
				return fmt.Errorf("flow[%d]: fork needs a new alias in as", i)
			}
			aliases[step.As] = true
		case step.Merge != nil:
			if err := knownDoc(i, step.Merge.Target); err != nil {
				return err
			}
			if err := knownDoc(i, step.Merge.Source); err != nil {
				return err
			}
		case step.Doc != "":
			if err := knownDoc(i, step.Doc); err != nil {
				return err
			}
			if len(step.Set) == 0 && len(step.Delete) == 0 {
				return fmt.Errorf("flow[%d]: doc step needs set or delete", i)
			}
		default:
			return fmt.Errorf("flow[%d]: no operation", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, peers, aliases); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion, peers, aliases map[string]bool) error {
	if !aliases[a.Doc] {
		return fmt.Errorf("assertions[%d]: unknown document %q", index, a.Doc)
	}
	switch a.Type {
	case AssertConverged:
		return nil
	case AssertContent, AssertActorCount, AssertWritable:
		if !peers[a.Peer] {
			return fmt.Errorf("assertions[%d]: unknown peer %q", index, a.Peer)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	if a.Type == AssertContent && len(a.Expect) == 0 && len(a.Absent) == 0 {
		return fmt.Errorf("assertions[%d]: content needs expect or absent", index)
	}
	if a.Type == AssertActorCount && a.Count < 1 {
		return fmt.Errorf("assertions[%d]: count must be positive", index)
	}
	return nil
}
