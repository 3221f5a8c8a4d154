package constants

// Region identifies one volumetric measurement.
type Region string

const (
	RegionTotalBrain  Region = "total_brain"
	RegionGrayMatter  Region = "gray_matter"
	RegionWhiteMatter Region = "white_matter"
	RegionCSF         Region = "csf"
	RegionHippocampus Region = "hippocampus"
	RegionVentricles  Region = "ventricles"
)

// Regions is the display order.
var Regions = []Region{
	RegionTotalBrain,
	RegionGrayMatter,
	RegionWhiteMatter,
	RegionCSF,
	RegionHippocampus,
	RegionVentricles,
}

// Range is a population normative [Min, Max] in Unit.
type Range struct {
	Min  float64
	Max  float64
	Unit string
}

// Mid is the midpoint of the range.
func (r Range) Mid() float64 { return (r.Min + r.Max) / 2 }

// NormativeRanges holds healthy-adult reference ranges in cm³.
var NormativeRanges = map[Region]Range{
	RegionTotalBrain:  {Min: 1100, Max: 1400, Unit: "cm³"},
	RegionGrayMatter:  {Min: 450, Max: 600, Unit: "cm³"},
	RegionWhiteMatter: {Min: 400, Max: 550, Unit: "cm³"},
	RegionCSF:         {Min: 150, Max: 300, Unit: "cm³"},
	RegionHippocampus: {Min: 3.0, Max: 4.5, Unit: "cm³"},
	RegionVentricles:  {Min: 20, Max: 50, Unit: "cm³"},
}

// Label is a human readable region name.
func (r Region) Label() string {
	switch r {
	case RegionTotalBrain:
		return "Total Brain"
	case RegionGrayMatter:
		return "Gray Matter"
	case RegionWhiteMatter:
		return "White Matter"
	case RegionCSF:
		return "CSF"
	case RegionHippocampus:
		return "Hippocampus"
	case RegionVentricles:
		return "Ventricles"
	}
	return string(r)
}
