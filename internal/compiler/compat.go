package compiler

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/roach88/cardrt/internal/ir"
)

// DefaultSupportedHostAPI is the range of host API versions artifacts may
// target. Older majors run through a rename shim.
const DefaultSupportedHostAPI = ">= 0.5.0, < 2.0.0"

// Compat decides whether an artifact's host_api_version can run here.
type Compat struct {
	host       *semver.Version
	supported  *semver.Constraints
	deprecated *semver.Constraints // nil when nothing is deprecated
}

// NewCompat builds a compatibility policy. An empty deprecated constraint
// deprecates nothing.
func NewCompat(host, supported, deprecated string) (*Compat, error) {
	h, err := semver.NewVersion(host)
	if err != nil {
		return nil, fmt.Errorf("host api version %q: %w", host, err)
	}
	if supported == "" {
		supported = DefaultSupportedHostAPI
	}
	s, err := semver.NewConstraint(supported)
	if err != nil {
		return nil, fmt.Errorf("supported host api constraint %q: %w", supported, err)
	}
	c := &Compat{host: h, supported: s}
	if deprecated != "" {
		d, err := semver.NewConstraint(deprecated)
		if err != nil {
			return nil, fmt.Errorf("deprecated host api constraint %q: %w", deprecated, err)
		}
		c.deprecated = d
	}
	return c, nil
}

// DefaultCompat supports DefaultSupportedHostAPI and deprecates nothing.
func DefaultCompat() *Compat {
	c, err := NewCompat(ir.HostAPIVersion, DefaultSupportedHostAPI, "")
	if err != nil {
		panic(err)
	}
	return c
}

// Host returns the host API version.
func (c *Compat) Host() *semver.Version { return c.host }

// Target is an accepted host_api_version.
type Target struct {
	Version *semver.Version
	// Shim is set when the artifact targets an older major; Renames maps
	// its primitive names onto the current ones.
	Shim    bool
	Renames map[string]string
}

// Check accepts or rejects a host_api_version.
func (c *Compat) Check(version string) (Target, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return Target{}, fmt.Errorf("host_api_version %q is not semver: %w", version, err)
	}
	if v.GreaterThan(c.host) {
		return Target{}, fmt.Errorf("host_api_version %s is newer than host %s", v, c.host)
	}
	if ok, errs := c.supported.Validate(v); !ok {
		return Target{}, fmt.Errorf("host_api_version %s is unsupported: %v", v, errs)
	}
	if c.deprecated != nil && c.deprecated.Check(v) {
		return Target{}, fmt.Errorf("host_api_version %s is deprecated (%s)", v, c.deprecated)
	}
	t := Target{Version: v, Renames: map[string]string{}}
	if v.Major() < c.host.Major() {
		t.Shim = true
		t.Renames = ir.ShimNames(v.Major())
	}
	return t, nil
}
