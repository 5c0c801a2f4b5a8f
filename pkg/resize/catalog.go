package resize

import (
	"fmt"
	"sort"

	"github.com/botgate/botgate/pkg/target"
)

// Size is a provider-native sizing descriptor such as an instance type or a
// VM hardware profile.
type Size struct {
	Name      string      `json:"name" yaml:"name" validate:"required"`
	CPU       int         `json:"cpu" yaml:"cpu" validate:"gt=0"`
	MemoryMiB int         `json:"memory" yaml:"memory" validate:"gt=0"`
	Tier      target.Tier `json:"tier,omitempty" yaml:"tier,omitempty"`
}

func (s Size) String() string {
	return fmt.Sprintf("%s (cpu=%d memory=%dMiB)", s.Name, s.CPU, s.MemoryMiB)
}

// Catalog is the set of sizes a provider offers.
type Catalog []Size

// TierCatalog returns one size per named tier, named after the tier.
func TierCatalog() Catalog {
	var c Catalog
	for _, t := range target.NamedTiers() {
		spec, _ := target.SpecForTier(t)
		c = append(c, Size{Name: string(t), CPU: spec.CPU, MemoryMiB: spec.MemoryMiB, Tier: t})
	}
	return c
}

// Lookup returns the size called name.
func (c Catalog) Lookup(name string) (Size, bool) {
	for _, s := range c {
		if s.Name == name {
			return s, true
		}
	}
	return Size{}, false
}

// Match maps spec to a size. A spec equal to a named tier resolves to the
// size tagged with that tier; otherwise the smallest size covering the
// requested memory, then cpu, is chosen. When nothing is large enough the
// largest size is returned.
func (c Catalog) Match(spec target.ResourceSpec) (Size, error) {
	if len(c) == 0 {
		return Size{}, fmt.Errorf("size catalog is empty")
	}

	if tier := target.TierOf(spec); tier != target.TierCustom {
		for _, s := range c {
			if s.Tier == tier {
				return s, nil
			}
		}
	}
	for _, s := range c {
		if s.CPU == spec.CPU && s.MemoryMiB == spec.MemoryMiB {
			return s, nil
		}
	}

	sorted := append(Catalog(nil), c...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MemoryMiB != sorted[j].MemoryMiB {
			return sorted[i].MemoryMiB < sorted[j].MemoryMiB
		}
		return sorted[i].CPU < sorted[j].CPU
	})
	for _, s := range sorted {
		if s.MemoryMiB >= spec.MemoryMiB && s.CPU >= spec.CPU {
			return s, nil
		}
	}
	return sorted[len(sorted)-1], nil
}
