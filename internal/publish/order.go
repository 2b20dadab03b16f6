package publish

import "math"

// Conventional order bands. Plugins sort by Order; the integer part names the band.
const (
	CollectorOrder  = 0.0
	ValidatorOrder  = 1.0
	ExtractorOrder  = 2.0
	IntegratorOrder = 3.0

	// PreCollectorOrder runs before any regular collector.
	PreCollectorOrder = CollectorOrder - 0.5

	ValidatePipelineOrder = ValidatorOrder + 0.05
	ValidateContentsOrder = ValidatorOrder + 0.1
	ValidateSceneOrder    = ValidatorOrder + 0.2
	ValidateMeshOrder     = ValidatorOrder + 0.3
)

// Stage names a conventional order band.
type Stage string

const (
	StageCollect   Stage = "collect"
	StageValidate  Stage = "validate"
	StageExtract   Stage = "extract"
	StageIntegrate Stage = "integrate"
)

var stageBands = []Stage{StageCollect, StageValidate, StageExtract, StageIntegrate}

// StageOf maps an order value onto its band. Each band spans base ±0.5; values
// outside the known bands clamp to the first or last one.
func StageOf(order float64) Stage {
	idx := int(math.Floor(order + 0.5))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(stageBands) {
		idx = len(stageBands) - 1
	}
	return stageBands[idx]
}

// Index reports the position of the stage within the band sequence.
func (s Stage) Index() int {
	for i, candidate := range stageBands {
		if candidate == s {
			return i
		}
	}
	return -1
}
