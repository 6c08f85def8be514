// Package soil classifies soil texture from particle-size fractions.
package soil

import (
	"errors"
	"math"
)

// Texture is a USDA soil texture class name as shown to farmers ("loam", "clay loam", ...).
type Texture string

const (
	Sand          Texture = "sand"
	LoamySand     Texture = "loamy sand"
	SandyLoam     Texture = "sandy loam"
	Loam          Texture = "loam"
	SiltLoam      Texture = "silt loam"
	Silt          Texture = "silt"
	SandyClayLoam Texture = "sandy clay loam"
	ClayLoam      Texture = "clay loam"
	SiltyClayLoam Texture = "silty clay loam"
	SandyClay     Texture = "sandy clay"
	SiltyClay     Texture = "silty clay"
	Clay          Texture = "clay"
	Unknown       Texture = "unknown"
)

// ErrNoFractions is returned when all three fractions are zero or negative.
var ErrNoFractions = errors.New("soil: no particle-size data")

// Classify returns the USDA texture class for the given sand, silt and clay fractions.
// Fractions may be in any unit (percent, g/kg); they are rescaled to percent of their sum.
func Classify(sand, silt, clay float64) (Texture, error) {
	sand, silt, clay = math.Max(sand, 0), math.Max(silt, 0), math.Max(clay, 0)
	total := sand + silt + clay
	if total == 0 {
		return Unknown, ErrNoFractions
	}
	sand, silt, clay = sand*100/total, silt*100/total, clay*100/total

	switch {
	case silt+1.5*clay < 15:
		return Sand, nil
	case silt+2*clay < 30:
		return LoamySand, nil
	case (clay >= 7 && clay < 20 && sand > 52) || (clay < 7 && silt < 50):
		return SandyLoam, nil
	case clay >= 7 && clay < 27 && silt >= 28 && silt < 50 && sand <= 52:
		return Loam, nil
	case silt >= 80 && clay < 12:
		return Silt, nil
	case silt >= 50 && clay < 27:
		return SiltLoam, nil
	case clay >= 20 && clay < 35 && silt < 28 && sand > 45:
		return SandyClayLoam, nil
	case clay >= 27 && clay < 40 && sand > 20:
		return ClayLoam, nil
	case clay >= 27 && clay < 40:
		return SiltyClayLoam, nil
	case clay >= 35 && sand > 45:
		return SandyClay, nil
	case clay >= 40 && silt >= 40:
		return SiltyClay, nil
	case clay >= 40:
		return Clay, nil
	}
	// Remaining slivers sit on class boundaries; nearest neighbour is loam.
	return Loam, nil
}
