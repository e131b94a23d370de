package launcher

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/jrepp/prism-harness/pkg/deployerr"
)

// PreferIPv4Property is the default network preference passed to every JVM child
const PreferIPv4Property = "java.net.preferIPv4Stack"

// MainSpecifier is an explicit entry point chosen by the caller
type MainSpecifier struct {
	ClassName string   `yaml:"class"`
	Args      []string `yaml:"args"`
}

// SelectMain applies entry point precedence: an explicit specifier wins over
// withMain, and only the specifier contributes arguments.
func SelectMain(specifier *MainSpecifier, withMain string) (string, []string) {
	if specifier != nil && specifier.ClassName != "" {
		return specifier.ClassName, slices.Clone(specifier.Args)
	}
	return withMain, nil
}

// LaunchSpec describes one process launch. The Launcher copies it, so later
// changes by the caller have no effect on a running launch.
type LaunchSpec struct {
	// Artifact is the path of the executable bundle
	Artifact string

	// WorkDir is the working directory the child runs in
	WorkDir string

	// Args are appended after the entry point
	Args []string

	// Properties are passed to the child as system properties (or environment
	// variables, depending on the runtime). They override the defaults.
	Properties map[string]string

	// DebugPort is the raw configured debug port; empty disables debugging
	DebugPort string

	// PreferIPv4 adds java.net.preferIPv4Stack=true to the defaults
	PreferIPv4 bool

	// MainSpecifier is an explicit entry point. It wins over WithMain and is
	// the only source of entry point arguments.
	MainSpecifier *MainSpecifier

	// WithMain is an entry point override declared on the test itself
	WithMain string
}

func (s LaunchSpec) clone() LaunchSpec {
	c := s
	c.Args = slices.Clone(s.Args)
	c.Properties = maps.Clone(s.Properties)
	if s.MainSpecifier != nil {
		ms := *s.MainSpecifier
		ms.Args = slices.Clone(ms.Args)
		c.MainSpecifier = &ms
	}
	return c
}

// Invocation is a LaunchSpec after validation and defaulting. Runtimes turn
// it into a concrete command line.
type Invocation struct {
	Artifact   string
	WorkDir    string
	Properties []Property
	DebugPort  int
	MainClass  string
	Args       []string
}

// Property is one name=value system property
type Property struct {
	Name  string
	Value string
}

func (p Property) String() string {
	return p.Name + "=" + p.Value
}

// ParseDebugPort validates a configured debug port. Empty means no debugging
// and yields 0.
func ParseDebugPort(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, deployerr.ErrInvalidDebugPort(raw, err)
	}
	if port < 1 || port > 65535 {
		return 0, deployerr.ErrInvalidDebugPort(raw, fmt.Errorf("port %d out of range 1-65535", port))
	}
	return port, nil
}

// Resolve validates the spec and computes the invocation. It never spawns.
func (s LaunchSpec) Resolve() (*Invocation, error) {
	if s.Artifact == "" {
		return nil, deployerr.ErrInvalidConfiguration("artifact", s.Artifact, "artifact path is required")
	}

	port, err := ParseDebugPort(s.DebugPort)
	if err != nil {
		return nil, err
	}

	inv := &Invocation{
		Artifact:   s.Artifact,
		WorkDir:    s.WorkDir,
		Properties: mergeProperties(s.PreferIPv4, s.Properties),
		DebugPort:  port,
	}

	inv.MainClass, inv.Args = SelectMain(s.MainSpecifier, s.WithMain)
	inv.Args = append(inv.Args, s.Args...)

	return inv, nil
}

// mergeProperties layers caller properties over the defaults, sorted by name
func mergeProperties(preferIPv4 bool, props map[string]string) []Property {
	merged := make(map[string]string, len(props)+1)
	if preferIPv4 {
		merged[PreferIPv4Property] = "true"
	}
	for k, v := range props {
		merged[k] = v
	}

	out := make([]Property, 0, len(merged))
	for k, v := range merged {
		out = append(out, Property{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
