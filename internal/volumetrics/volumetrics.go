package volumetrics

import (
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/volume"
)

// WhiteMatterRatio estimates WM volume from GM when no WM map exists.
const WhiteMatterRatio = 0.88

// Population-average adult reference volumes (cm³) used to scale the regions
// no available map measures.
const (
	ReferenceTotalBrain  = 1250.0
	referenceCSF         = 200.0
	referenceHippocampus = 3.8
	referenceVentricles  = 35.0
)

const syntheticBase = 1300.0

// Source says how a measurement set was obtained.
type Source string

const (
	SourceMeasured  Source = "measured"
	SourceSynthetic Source = "synthetic"
)

// Measurements holds regional volumes in cm³. Estimated marks the regions
// that were derived rather than measured from a probability map.
type Measurements struct {
	TotalBrain  float64                   `json:"total_brain"`
	GrayMatter  float64                   `json:"gray_matter"`
	WhiteMatter float64                   `json:"white_matter"`
	CSF         float64                   `json:"csf"`
	Hippocampus float64                   `json:"hippocampus"`
	Ventricles  float64                   `json:"ventricles"`
	Estimated   map[constants.Region]bool `json:"estimated"`
	Source      Source                    `json:"source"`
}

// Value returns the volume for region r.
func (m Measurements) Value(r constants.Region) float64 {
	switch r {
	case constants.RegionTotalBrain:
		return m.TotalBrain
	case constants.RegionGrayMatter:
		return m.GrayMatter
	case constants.RegionWhiteMatter:
		return m.WhiteMatter
	case constants.RegionCSF:
		return m.CSF
	case constants.RegionHippocampus:
		return m.Hippocampus
	case constants.RegionVentricles:
		return m.Ventricles
	}
	return 0
}

// TissueVolume is the modulated volume of a probability map:
// Σ p × voxel volume (mm³) / 1000.
func TissueVolume(m *volume.Volume) float64 {
	sum := 0.0
	for _, p := range m.Data {
		sum += float64(p)
	}
	return sum * m.VoxelVolume() / 1000
}

// Extract measures GM (and WM when wm is non-nil) from probability maps.
// Without a WM map, WM is GM × WhiteMatterRatio and flagged estimated. CSF,
// hippocampus and ventricles are reference volumes scaled by TBV/1250 and
// are always flagged estimated.
func Extract(gm, wm *volume.Volume) (Measurements, error) {
	if gm == nil || gm.Len() == 0 {
		return Measurements{}, fmt.Errorf("grey matter map: %w", common.ErrInvalidInput)
	}
	m := Measurements{
		GrayMatter: TissueVolume(gm),
		Source:     SourceMeasured,
		Estimated: map[constants.Region]bool{
			constants.RegionCSF:         true,
			constants.RegionHippocampus: true,
			constants.RegionVentricles:  true,
		},
	}
	if wm != nil && wm.Len() > 0 {
		m.WhiteMatter = TissueVolume(wm)
	} else {
		m.WhiteMatter = m.GrayMatter * WhiteMatterRatio
		m.Estimated[constants.RegionWhiteMatter] = true
	}
	m.TotalBrain = m.GrayMatter + m.WhiteMatter

	ratio := 1.0
	if m.TotalBrain > 0 {
		ratio = m.TotalBrain / ReferenceTotalBrain
	}
	m.CSF = referenceCSF * ratio
	m.Hippocampus = referenceHippocampus * ratio
	m.Ventricles = referenceVentricles * ratio
	return m, nil
}

// ExtractFiles loads the maps and measures them. A WM map that cannot be read
// is logged and replaced by the GM ratio estimate; a GM map that cannot be
// read is an error.
func ExtractFiles(gmPath, wmPath string, logger *slog.Logger) (Measurements, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gm, err := volume.Load(gmPath)
	if err != nil {
		return Measurements{}, err
	}
	var wm *volume.Volume
	if wmPath != "" {
		if wm, err = volume.Load(wmPath); err != nil {
			logger.Warn("volumetrics.wm.unreadable", "path", wmPath, "err", err)
			wm = nil
		}
	}
	m, err := Extract(gm, wm)
	if err != nil {
		return Measurements{}, err
	}
	logger.Info("volumetrics.extracted",
		"gm_cm3", m.GrayMatter,
		"wm_cm3", m.WhiteMatter,
		"tbv_cm3", m.TotalBrain,
		"wm_estimated", m.Estimated[constants.RegionWhiteMatter],
	)
	return m, nil
}

var atrophy = map[constants.Class]float64{
	constants.ClassAD:  0.85,
	constants.ClassMCI: 0.92,
	constants.ClassCN:  1.0,
}

// Synthetic returns a label-driven volume estimate, used when no probability
// map could be measured. Every region is flagged estimated.
func Synthetic(label constants.Class) Measurements {
	f, ok := atrophy[label]
	if !ok {
		f = 1.0
	}
	est := make(map[constants.Region]bool, len(constants.Regions))
	for _, r := range constants.Regions {
		est[r] = true
	}
	return Measurements{
		TotalBrain:  syntheticBase * f,
		GrayMatter:  syntheticBase * 0.45 * f,
		WhiteMatter: syntheticBase * 0.40 * f,
		CSF:         syntheticBase * 0.15 * (2 - f),
		Hippocampus: 4.0 * f,
		Ventricles:  30.0 * (2 - f),
		Estimated:   est,
		Source:      SourceSynthetic,
	}
}
