package constants

import "strings"

// AllowedExtensions holds the volume formats accepted for analysis.
var AllowedExtensions = map[string]struct{}{
	"nii":    {},
	"nii.gz": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// VolumeExt returns the normalized volume extension of a file name,
// treating ".nii.gz" as a single extension. Returns "" if unsupported.
func VolumeExt(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return "nii.gz"
	case strings.HasSuffix(lower, ".nii"):
		return "nii"
	}
	return ""
}

// Storage buckets.
const (
	BucketScans        = "mri-scans"
	BucketReportAssets = "report-assets"
)

// ReportType names one of the three audience-specific PDFs.
type ReportType string

const (
	ReportTechnical ReportType = "technical"
	ReportClinician ReportType = "clinician"
	ReportPatient   ReportType = "patient"
)

// ReportTypes is the generation order.
var ReportTypes = []ReportType{ReportTechnical, ReportClinician, ReportPatient}

// ChartType names one of the generated visualizations.
type ChartType string

const (
	ChartSimilarity ChartType = "similarity_plot"
	ChartVolume     ChartType = "volume_chart"
	ChartConfidence ChartType = "confidence_chart"
)

var ChartTypes = []ChartType{ChartSimilarity, ChartVolume, ChartConfidence}

// Plane is an anatomical slicing plane.
type Plane string

const (
	PlaneSagittal Plane = "sagittal"
	PlaneCoronal  Plane = "coronal"
	PlaneAxial    Plane = "axial"
)

var Planes = []Plane{PlaneAxial, PlaneSagittal, PlaneCoronal}
