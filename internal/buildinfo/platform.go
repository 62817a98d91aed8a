package buildinfo

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Platform describes the machine the binary runs on.
type Platform struct {
	OS           string
	Arch         string
	GoVersion    string
	CPU          string
	LogicalCores int
	// Features lists the vector extensions used by float DSP loops.
	Features []string
}

// dspFeatures are reported when present, in this order.
var dspFeatures = []struct {
	id   cpuid.FeatureID
	name string
}{
	{cpuid.SSE2, "sse2"},
	{cpuid.AVX, "avx"},
	{cpuid.AVX2, "avx2"},
	{cpuid.FMA3, "fma3"},
	{cpuid.AVX512F, "avx512f"},
	{cpuid.ASIMD, "neon"},
}

// CurrentPlatform detects the running platform.
func CurrentPlatform() Platform {
	p := Platform{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		GoVersion:    runtime.Version(),
		CPU:          strings.TrimSpace(cpuid.CPU.BrandName),
		LogicalCores: cpuid.CPU.LogicalCores,
	}
	if p.CPU == "" {
		p.CPU = UnknownValue
	}
	if p.LogicalCores <= 0 {
		p.LogicalCores = runtime.NumCPU()
	}
	for _, f := range dspFeatures {
		if cpuid.CPU.Supports(f.id) {
			p.Features = append(p.Features, f.name)
		}
	}
	return p
}

func (p Platform) String() string {
	features := "none"
	if len(p.Features) > 0 {
		features = strings.Join(p.Features, ",")
	}
	return fmt.Sprintf("%s/%s %s, %s (%d threads, %s)",
		p.OS, p.Arch, p.GoVersion, p.CPU, p.LogicalCores, features)
}
