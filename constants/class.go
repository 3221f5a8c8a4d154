package constants

import (
	"strings"
)

// Class is a diagnostic label produced by the classifier.
type Class string

const (
	ClassCN  Class = "CN"  // cognitively normal
	ClassMCI Class = "MCI" // mild cognitive impairment
	ClassAD  Class = "AD"  // Alzheimer's disease
)

// ModelVersion is recorded with every result.
const ModelVersion = "ConViT-v1.0"

// ModelClasses is the label order of the trained model's output layer.
var ModelClasses = []Class{ClassAD, ClassCN, ClassMCI}

// AnalysisType selects the class vocabulary for a session.
type AnalysisType string

const (
	AnalysisMultiDisease AnalysisType = "multi-disease"
	AnalysisADOnly       AnalysisType = "ad-only"
	AnalysisMCIOnly      AnalysisType = "mci-only"
)

var vocabularies = map[AnalysisType][]Class{
	AnalysisMultiDisease: {ClassCN, ClassMCI, ClassAD},
	AnalysisADOnly:       {ClassCN, ClassAD},
	AnalysisMCIOnly:      {ClassCN, ClassMCI},
}

// Vocabulary returns the ordered class list for an analysis type. Unknown
// types get the multi-disease vocabulary. The returned slice is a copy.
func Vocabulary(t AnalysisType) []Class {
	v, ok := vocabularies[t]
	if !ok {
		v = vocabularies[AnalysisMultiDisease]
	}
	out := make([]Class, len(v))
	copy(out, v)
	return out
}

// ParseAnalysisType maps user input onto a known analysis type.
func ParseAnalysisType(input string) (AnalysisType, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return AnalysisMultiDisease, true
	}
	synonyms := map[string]AnalysisType{
		"multi":   AnalysisMultiDisease,
		"all":     AnalysisMultiDisease,
		"ad":      AnalysisADOnly,
		"mci":     AnalysisMCIOnly,
		"ad_only": AnalysisADOnly,
	}
	if t, ok := synonyms[normalized]; ok {
		return t, true
	}
	t := AnalysisType(normalized)
	if _, ok := vocabularies[t]; ok {
		return t, true
	}
	return "", false
}

// ParseClass canonicalizes a label string.
func ParseClass(input string) (Class, bool) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "CN":
		return ClassCN, true
	case "MCI":
		return ClassMCI, true
	case "AD":
		return ClassAD, true
	}
	return "", false
}

// DiseaseInfo is display metadata for a class.
type DiseaseInfo struct {
	Name  string
	Color string // hex, #rrggbb
}

var diseaseInfo = map[Class]DiseaseInfo{
	ClassCN:  {Name: "Cognitively Normal", Color: "#2ecc71"},
	ClassMCI: {Name: "Mild Cognitive Impairment", Color: "#f1c40f"},
	ClassAD:  {Name: "Alzheimer's Disease", Color: "#e74c3c"},
}

// Info returns display metadata, falling back to the raw label.
func (c Class) Info() DiseaseInfo {
	if info, ok := diseaseInfo[c]; ok {
		return info
	}
	return DiseaseInfo{Name: string(c), Color: "#7f8c8d"}
}
