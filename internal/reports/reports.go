package reports

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/classify"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/similarity"
	"github.com/joseph-ayodele/neuroscan/internal/volumetrics"
	"github.com/joseph-ayodele/neuroscan/internal/vote"
)

// Data is everything a report may render. Similarity is nil and Charts may
// lack entries when those stages did not produce output.
type Data struct {
	SessionID              string
	SessionCode            string
	PatientRef             string
	AnalysisType           constants.AnalysisType
	Vocabulary             []constants.Class
	GeneratedAt            time.Time
	Diagnosis              vote.Diagnosis
	Measurements           volumetrics.Measurements
	Comparisons            []volumetrics.Comparison
	Similarity             *similarity.Result
	Charts                 map[constants.ChartType][]byte
	ModelVersion           string
	ClassifierKind         classify.Kind
	PreprocessingSucceeded bool
	SlicesFailed           int
	ElapsedSeconds         float64
}

// Generator renders the three audience-specific PDFs.
type Generator struct {
	logger *slog.Logger
}

func NewGenerator(logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{logger: logger}
}

// Generate renders the report of type t. Failures wrap common.ErrReportGeneration.
func (g *Generator) Generate(ctx context.Context, t constants.ReportType, d Data) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	var doc *document
	switch t {
	case constants.ReportTechnical:
		doc = newDocument("Technical MRI Analysis Report", subtitle(d), d)
		technical(doc, d)
	case constants.ReportClinician:
		doc = newDocument("Clinical MRI Analysis Report", subtitle(d), d)
		clinician(doc, d)
	case constants.ReportPatient:
		doc = newDocument("Your Brain MRI Results", subtitle(d), d)
		patient(doc, d)
	default:
		return nil, fmt.Errorf("unknown report type %q: %w", t, common.ErrReportGeneration)
	}
	b, err := doc.output()
	if err != nil {
		g.logger.Error("reports.render.failed", "report_type", t, "session_id", d.SessionID, "err", err)
		return nil, fmt.Errorf("%s report: %w", t, common.StageError(common.ErrReportGeneration, "REPORT_ERROR", err))
	}
	g.logger.Info("reports.generated",
		"report_type", t,
		"session_id", d.SessionID,
		"bytes", len(b),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return b, nil
}

func subtitle(d Data) string {
	ts := d.GeneratedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("Session %s  |  %s", d.SessionCode, ts.UTC().Format("2006-01-02 15:04 MST"))
}

func pct(v float64) string { return fmt.Sprintf("%.1f%%", v) }

func volume(v float64, unit string) string { return fmt.Sprintf("%.2f %s", v, unit) }

func diagnosisColor(c constants.Class) rgb {
	switch c {
	case constants.ClassCN:
		return colorOK
	case constants.ClassMCI:
		return colorWarn
	}
	return colorAlert
}

func chartOrNote(doc *document, d Data, kind constants.ChartType, width float64) {
	doc.image(d.Charts[kind], width, "Chart unavailable for this analysis.")
}

func sessionBlock(doc *document, d Data, detailed bool) {
	doc.keyValue("Session Code:", d.SessionCode)
	if detailed {
		doc.keyValue("Session ID:", d.SessionID)
	}
	if d.PatientRef != "" {
		doc.keyValue("Patient Reference:", d.PatientRef)
	}
	doc.keyValue("Analysis Type:", string(d.AnalysisType))
	if !d.GeneratedAt.IsZero() {
		doc.keyValue("Report Date:", d.GeneratedAt.UTC().Format("January 2, 2006"))
	}
}

func volumeRows(cmps []volumetrics.Comparison, withDeviation bool) [][]string {
	rows := make([][]string, 0, len(cmps))
	for _, c := range cmps {
		label := c.Label
		if c.Estimated {
			label += " *"
		}
		row := []string{
			label,
			volume(c.Value, c.Range.Unit),
			fmt.Sprintf("%g - %g", c.Range.Min, c.Range.Max),
			string(c.Status),
		}
		if withDeviation {
			row = append(row, fmt.Sprintf("%+.1f%%", signedDeviation(c)))
		}
		rows = append(rows, row)
	}
	return rows
}

func signedDeviation(c volumetrics.Comparison) float64 {
	if c.Status == volumetrics.StatusBelow {
		return -c.DeviationPercent
	}
	return c.DeviationPercent
}

const estimatedNote = "* Estimated from population reference volumes scaled by total brain volume; not a direct measurement."

func technical(doc *document, d Data) {
	doc.section("Session Information")
	sessionBlock(doc, d, true)
	doc.keyValue("Model Version:", d.ModelVersion)
	doc.keyValue("Classifier:", string(d.ClassifierKind))
	prep := "Completed"
	if !d.PreprocessingSucceeded {
		prep = "Not available (raw input analysed)"
	}
	doc.keyValue("Preprocessing:", prep)
	doc.keyValue("Processing Time:", fmt.Sprintf("%.1f s", d.ElapsedSeconds))
	if d.Measurements.Source == volumetrics.SourceSynthetic {
		doc.note("Volumetric values are label-driven estimates because no tissue probability map could be measured.")
	}

	dg := d.Diagnosis
	doc.section("AI Model Analysis Summary")
	doc.highlight(fmt.Sprintf("%s (%s)", dg.Label.Info().Name, dg.Label), diagnosisColor(dg.Label))
	doc.keyValue("Consensus Strength:", pct(dg.ConsensusStrength))
	doc.keyValue("Mean Confidence:", fmt.Sprintf("%s (%s)", pct(dg.MeanConfidence), classify.ConfidenceLevel(dg.MeanConfidence)))
	doc.keyValue("Slices Analysed:", fmt.Sprintf("%d (%d failed)", dg.TotalSlices, d.SlicesFailed))

	rows := make([][]string, 0, len(d.Vocabulary))
	for _, c := range d.Vocabulary {
		vc := dg.Distribution[c]
		rows = append(rows, []string{c.Info().Name, fmt.Sprint(vc.Count), pct(vc.Percentage), pct(dg.MeanProbabilities[c])})
	}
	doc.table([]string{"Class", "Votes", "Vote Share", "Mean Probability"}, []float64{0.4, 0.15, 0.2, 0.25}, rows)
	chartOrNote(doc, d, constants.ChartConfidence, 150)

	doc.section("Per-Slice Predictions")
	slices := make([][]string, 0, len(dg.Predictions))
	for _, p := range dg.Predictions {
		slices = append(slices, []string{fmt.Sprintf("Slice %d", p.SliceIndex), string(p.Label), pct(p.Confidence), classify.ConfidenceLevel(p.Confidence)})
	}
	doc.table([]string{"Slice", "Label", "Confidence", "Level"}, []float64{0.3, 0.2, 0.25, 0.25}, slices)

	doc.section("Pattern Similarity Analysis")
	if d.Similarity != nil {
		for _, c := range d.Vocabulary {
			doc.keyValue(c.Info().Name+":", pct(d.Similarity.Scores[c]*100))
		}
		doc.paragraph(d.Similarity.Overall)
		chartOrNote(doc, d, constants.ChartSimilarity, 160)
	} else {
		doc.note("Similarity analysis was not available for this session.")
	}

	doc.section("Volumetric Analysis & Statistics")
	doc.table([]string{"Region", "Volume", "Normative Range", "Status", "Deviation"}, []float64{0.26, 0.2, 0.2, 0.19, 0.15}, volumeRows(d.Comparisons, true))
	doc.note(estimatedNote)
	chartOrNote(doc, d, constants.ChartVolume, 165)

	doc.section("Methodology & Technical Specifications")
	doc.bullets("", append([]string{fmt.Sprintf("AI Model: Slice-level image classifier (version %s).", d.ModelVersion)}, methodology...))
	doc.bullets("Clinical Interpretation Guidelines", interpretationGuidelines)
	doc.disclaimer(disclaimers[constants.ReportTechnical])
}

func clinician(doc *document, d Data) {
	doc.section("Session")
	sessionBlock(doc, d, false)

	dg := d.Diagnosis
	doc.section("Clinical Findings")
	doc.highlight(fmt.Sprintf("AI Assessment: %s", dg.Label.Info().Name), diagnosisColor(dg.Label))
	doc.keyValue("Confidence:", fmt.Sprintf("%s (%s)", pct(dg.MeanConfidence), classify.ConfidenceLevel(dg.MeanConfidence)))
	doc.keyValue("Slice Agreement:", fmt.Sprintf("%s of %d slices", pct(dg.ConsensusStrength), dg.TotalSlices))
	doc.paragraph(ClinicalSignificance(dg.Label))
	chartOrNote(doc, d, constants.ChartConfidence, 140)

	doc.section("Volumetric Analysis")
	doc.table([]string{"Region", "Volume", "Normative Range", "Status"}, []float64{0.3, 0.23, 0.25, 0.22}, volumeRows(d.Comparisons, false))
	doc.note(estimatedNote)
	chartOrNote(doc, d, constants.ChartVolume, 160)

	var affected []string
	for _, c := range d.Comparisons {
		if c.Status == volumetrics.StatusNormal {
			continue
		}
		line := fmt.Sprintf("%s: %s by %.1f%% (%s)", c.Label, strings.ToLower(string(c.Status)), c.DeviationPercent, volume(c.Value, c.Range.Unit))
		if c.Estimated {
			line += ", estimated"
		}
		affected = append(affected, line)
	}
	if len(affected) > 0 {
		doc.section("Regional Analysis - Affected Areas")
		doc.bullets("", affected)
	}

	if d.Similarity != nil {
		doc.section("Pattern Similarity Analysis")
		doc.paragraph(d.Similarity.Overall)
		chartOrNote(doc, d, constants.ChartSimilarity, 150)
	}

	doc.section("Clinical Recommendations")
	doc.bullets("", Recommendations(dg.Label))
	doc.bullets("Important Clinical Considerations", clinicalConsiderations)
	doc.disclaimer(disclaimers[constants.ReportClinician])
}

func patient(doc *document, d Data) {
	doc.section("Your Brain Scan")
	doc.keyValue("Reference:", d.SessionCode)
	if !d.GeneratedAt.IsZero() {
		doc.keyValue("Date:", d.GeneratedAt.UTC().Format("January 2, 2006"))
	}

	dg := d.Diagnosis
	doc.section("Analysis Results & Findings")
	doc.highlight(dg.Label.Info().Name, diagnosisColor(dg.Label))
	if s, ok := patientSummary[dg.Label]; ok {
		doc.paragraph(s)
	}
	doc.paragraph(fmt.Sprintf("The computer looked at %d pictures of your brain and %s of them pointed to this result.",
		dg.TotalSlices, pct(dg.ConsensusStrength)))
	chartOrNote(doc, d, constants.ChartConfidence, 130)

	if d.Similarity != nil {
		doc.section("How Your Brain Patterns Compare")
		doc.paragraph(d.Similarity.Overall + ".")
	}

	doc.section("What Do These Results Mean For Me?")
	doc.bullets("Important Points to Remember", []string{
		"This is NOT a diagnosis - Only your doctor can diagnose medical conditions after considering your complete medical history and other tests.",
		"This is a screening tool - The AI helps identify brain patterns that may need further medical evaluation.",
		fmt.Sprintf("Your result: %s - This means the AI found patterns similar to this category.", dg.Label.Info().Name),
		"Further evaluation may be needed - Your doctor will determine if additional tests are necessary.",
	})

	doc.section("Your Next Steps")
	doc.bullets("What Should I Do Now?", patientNextSteps)
	doc.pdf.SetFont("Helvetica", "B", 10)
	doc.pdf.CellFormat(0, 6, "Suggested Questions for Your Doctor:", "", 1, "L", false, 0, "")
	doc.numbered(patientQuestions)
	doc.disclaimer(disclaimers[constants.ReportPatient])
}
