package target

import (
	"fmt"
)

// Tier is a named compute allocation preset.
type Tier string

const (
	TierLight       Tier = "light"
	TierStandard    Tier = "standard"
	TierPerformance Tier = "performance"
	// TierCustom denotes a spec that matches no named tier.
	TierCustom Tier = "custom"
)

// ResourceSpec is a desired compute allocation.
// CPU is in units where 1024 is one vCPU.
type ResourceSpec struct {
	CPU            int `json:"cpu" yaml:"cpu" validate:"gte=0"`
	MemoryMiB      int `json:"memory" yaml:"memory" validate:"gte=0"`
	DataDiskSizeGB int `json:"dataDiskSizeGb,omitempty" yaml:"dataDiskSizeGb,omitempty" validate:"gte=0"`
}

var tierSpecs = map[Tier]ResourceSpec{
	TierLight:       {CPU: 512, MemoryMiB: 1024},
	TierStandard:    {CPU: 1024, MemoryMiB: 2048},
	TierPerformance: {CPU: 2048, MemoryMiB: 4096},
}

// NamedTiers returns the closed set of named tiers, smallest first.
func NamedTiers() []Tier {
	return []Tier{TierLight, TierStandard, TierPerformance}
}

// SpecForTier returns the allocation of a named tier.
func SpecForTier(t Tier) (ResourceSpec, error) {
	spec, ok := tierSpecs[t]
	if !ok {
		return ResourceSpec{}, fmt.Errorf("unknown tier %q", t)
	}
	return spec, nil
}

// TierOf returns the named tier whose cpu and memory equal spec, or TierCustom.
func TierOf(spec ResourceSpec) Tier {
	for _, t := range NamedTiers() {
		ts := tierSpecs[t]
		if ts.CPU == spec.CPU && ts.MemoryMiB == spec.MemoryMiB {
			return t
		}
	}
	return TierCustom
}

// Validate rejects negative or empty allocations.
func (s ResourceSpec) Validate() error {
	if s.CPU < 0 || s.MemoryMiB < 0 || s.DataDiskSizeGB < 0 {
		return fmt.Errorf("resource values must not be negative")
	}
	if s.CPU == 0 && s.MemoryMiB == 0 && s.DataDiskSizeGB == 0 {
		return fmt.Errorf("resource spec is empty")
	}
	return nil
}

// VCPUs converts CPU units to whole vCPUs, rounding up.
func (s ResourceSpec) VCPUs() int {
	return (s.CPU + 1023) / 1024
}

func (s ResourceSpec) String() string {
	if s.DataDiskSizeGB > 0 {
		return fmt.Sprintf("cpu=%d memory=%dMiB disk=%dGB", s.CPU, s.MemoryMiB, s.DataDiskSizeGB)
	}
	return fmt.Sprintf("cpu=%d memory=%dMiB", s.CPU, s.MemoryMiB)
}
