package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cardrt/internal/ir"
)

// Scenario is a scripted run of the runtime: cards to install, a starting
// workspace, instances, a sequence of steps, and assertions over the
// final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy overrides the default runtime policy. It uses the policy file
	// format.
	Policy yaml.Node `yaml:"policy,omitempty"`

	// Cards lists the cards to build and install, in order.
	Cards []CardSpec `yaml:"cards"`

	// Workspace is the starting workspace.
	Workspace WorkspaceSpec `yaml:"workspace,omitempty"`

	// Instances are created after every card is installed. Ids are
	// assigned in order: inst-1, inst-2, ...
	Instances []InstanceSpec `yaml:"instances,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// CardSpec names a card's manifest and source. Paths are relative to the
// scenario file.
type CardSpec struct {
	Manifest string `yaml:"manifest"`
	Source   string `yaml:"source"`

	// Grant approves every required capability. A card with grant: false
	// stays installed and its instances are unavailable.
	Grant *bool `yaml:"grant,omitempty"`
}

func (c CardSpec) granted() bool { return c.Grant == nil || *c.Grant }

// WorkspaceSpec seeds the workspace.
type WorkspaceSpec struct {
	Containers []ir.Container        `yaml:"containers,omitempty"`
	Nodes      []NodeSpec            `yaml:"nodes,omitempty"`
	Streams    map[string][]ir.Event `yaml:"streams,omitempty"`
	Lanes      map[string][]ir.Point `yaml:"lanes,omitempty"`
}

// NodeSpec is a graph node.
type NodeSpec struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
}

// InstanceSpec describes one instance.
type InstanceSpec struct {
	Definition string            `yaml:"definition"`
	Inputs     map[string]string `yaml:"inputs,omitempty"`
	Outputs    map[string]string `yaml:"outputs,omitempty"`
	Params     map[string]any    `yaml:"params,omitempty"`
	Seed       int64             `yaml:"seed,omitempty"`
}

// Step is one action. Exactly one field is set.
type Step struct {
	// Tick runs the scheduler this many times.
	Tick int `yaml:"tick,omitempty"`

	// Append adds events to a stream.
	Append *AppendStep `yaml:"append,omitempty"`

	// Commit commits a staged patch. "all" commits every staged patch in
	// proposal order.
	Commit string `yaml:"commit,omitempty"`

	// Rollback rolls back a committed patch. "last" is the most recently
	// committed one.
	Rollback string `yaml:"rollback,omitempty"`

	// Reject rejects a staged patch. "all" rejects every staged patch.
	Reject string `yaml:"reject,omitempty"`

	// Revoke revokes a definition (card@version).
	Revoke string `yaml:"revoke,omitempty"`

	// Enable re-enables a disabled instance.
	Enable string `yaml:"enable,omitempty"`

	// Upgrade moves an instance to another definition.
	Upgrade *UpgradeStep `yaml:"upgrade,omitempty"`
}

// AppendStep appends events to a stream.
type AppendStep struct {
	Stream string     `yaml:"stream"`
	Events []ir.Event `yaml:"events"`
}

// UpgradeStep upgrades an instance.
type UpgradeStep struct {
	Instance   string `yaml:"instance"`
	Definition string `yaml:"definition"`
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Tick > 0, s.Append != nil, s.Commit != "", s.Rollback != "",
		s.Reject != "", s.Revoke != "", s.Enable != "", s.Upgrade != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Tick       int64  `yaml:"tick,omitempty"`
	Instance   string `yaml:"instance,omitempty"`
	Code       string `yaml:"code,omitempty"`
	Stream     string `yaml:"stream,omitempty"`
	Container  string `yaml:"container,omitempty"`
	Node       string `yaml:"node,omitempty"`
	Definition string `yaml:"definition,omitempty"`
	Card       string `yaml:"card,omitempty"`
	Status     string `yaml:"status,omitempty"`
	State      string `yaml:"state,omitempty"`
	Count      int    `yaml:"count,omitempty"`

	// Expect is a subset match against an instance's state record.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Present is the expected presence of a node.
	Present *bool `yaml:"present,omitempty"`

	// Disabled is the expected disabled flag of an instance.
	Disabled *bool `yaml:"disabled,omitempty"`
}

// Assertion type constants.
const (
	// AssertOutcome checks an instance's result code in a tick; "ok" is a
	// successful invocation.
	AssertOutcome        = "outcome"
	AssertStreamCount    = "stream_count"
	AssertState          = "state"
	AssertPatchCount     = "patch_count"
	AssertContainerItems = "container_items"
	AssertNode           = "node"
	AssertDisabled       = "disabled"
	AssertDefinition     = "definition"
	// AssertRevocations counts a card's revocations in the audit log.
	AssertRevocations = "revocations"
)

// LoadScenario reads and parses a scenario YAML file. Card paths are
// resolved relative to the scenario file. Unknown fields are errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i := range scenario.Cards {
		c := &scenario.Cards[i]
		c.Manifest = resolve(base, c.Manifest)
		c.Source = resolve(base, c.Source)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Cards) == 0 {
		return fmt.Errorf("cards list is required and must be non-empty")
	}
	for i, c := range s.Cards {
		if c.Manifest == "" || c.Source == "" {
			return fmt.Errorf("card %d: manifest and source are required", i)
		}
	}
	for i, inst := range s.Instances {
		if inst.Definition == "" {
			return fmt.Errorf("instance %d: definition is required", i)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if n := step.actions(); n != 1 {
			return fmt.Errorf("step %d: exactly one action is required, got %d", i, n)
		}
		if step.Append != nil && step.Append.Stream == "" {
			return fmt.Errorf("step %d: append needs a stream", i)
		}
		if step.Upgrade != nil && (step.Upgrade.Instance == "" || step.Upgrade.Definition == "") {
			return fmt.Errorf("step %d: upgrade needs an instance and a definition", i)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	var missing string
	switch a.Type {
	case AssertOutcome:
		if a.Tick == 0 || a.Instance == "" || a.Code == "" {
			missing = "tick, instance and code"
		}
	case AssertStreamCount:
		if a.Stream == "" {
			missing = "stream"
		}
	case AssertState:
		if a.Instance == "" || a.Expect == nil {
			missing = "instance and expect"
		}
	case AssertPatchCount:
		if a.Status == "" {
			missing = "status"
		}
	case AssertContainerItems:
		if a.Container == "" {
			missing = "container"
		}
	case AssertNode:
		if a.Node == "" || a.Present == nil {
			missing = "node and present"
		}
	case AssertDisabled:
		if a.Instance == "" || a.Disabled == nil {
			missing = "instance and disabled"
		}
	case AssertDefinition:
		if a.Definition == "" || a.State == "" {
			missing = "definition and state"
		}
	case AssertRevocations:
		if a.Card == "" {
			missing = "card"
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if missing != "" {
		return fmt.Errorf("%s assertion needs %s", a.Type, missing)
	}
	return nil
}
