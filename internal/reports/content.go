package reports

import "github.com/joseph-ayodele/neuroscan/constants"

var clinicalSignificance = map[constants.Class]string{
	constants.ClassCN: "AI analysis identified brain patterns within normal parameters for the patient's age group. " +
		"No significant neurodegenerative changes were detected. Standard follow-up protocols apply.",
	constants.ClassMCI: "AI analysis identified patterns consistent with Mild Cognitive Impairment (MCI). " +
		"MCI represents a transitional state between normal aging and dementia. Some individuals with MCI remain " +
		"stable or improve, while others progress to dementia. Regular monitoring and cognitive assessment are recommended.",
	constants.ClassAD: "AI analysis identified patterns consistent with Alzheimer's disease pathology, including " +
		"hippocampal volume reduction and temporal lobe changes. These findings warrant comprehensive neurological " +
		"evaluation and cognitive assessment.",
}

// ClinicalSignificance is the clinician-facing summary for a diagnosis.
func ClinicalSignificance(c constants.Class) string {
	if s, ok := clinicalSignificance[c]; ok {
		return s
	}
	return "Analysis results require clinical review and interpretation."
}

var recommendations = map[constants.Class][]string{
	constants.ClassCN: {
		"Clinical Correlation: Interpret normal findings in context of presenting symptoms.",
		"If Symptomatic: Consider additional diagnostic workup if cognitive concerns persist.",
		"Preventive Counseling: Discuss brain health lifestyle factors.",
		"Baseline Documentation: This study may serve as baseline for future comparison.",
	},
	constants.ClassMCI: {
		"Cognitive Assessment: Administer standardized tests (MMSE, MoCA) to characterize deficits.",
		"Reversible Causes: Rule out depression, medication effects, B12/thyroid abnormalities.",
		"Lifestyle Modifications: Discuss exercise, cognitive stimulation, social engagement.",
		"Risk Factor Management: Address vascular risk factors (hypertension, diabetes).",
		"Regular Monitoring: Schedule follow-up assessments every 6-12 months.",
		"Family Education: Discuss MCI prognosis and warning signs of progression.",
	},
	constants.ClassAD: {
		"Comprehensive Evaluation: Conduct thorough neurological exam and cognitive assessment (MMSE, MoCA).",
		"Additional Imaging: Consider PET scan for amyloid/tau assessment if available.",
		"Differential Diagnosis: Rule out reversible causes (depression, B12, thyroid).",
		"Neuropsychological Testing: Detailed cognitive domain assessment recommended.",
		"Specialist Referral: Memory clinic or neurology consultation may be appropriate.",
		"Family Counseling: Discuss findings and care planning with patient and family.",
	},
}

// Recommendations lists clinician follow-up actions for a diagnosis.
func Recommendations(c constants.Class) []string {
	if r, ok := recommendations[c]; ok {
		return r
	}
	return []string{
		"Repeat Study: Consider repeat imaging if findings are inconclusive.",
		"Clinical Assessment: Base decisions on comprehensive clinical evaluation.",
	}
}

var patientSummary = map[constants.Class]string{
	constants.ClassCN:  "The analysis did not find patterns commonly associated with memory-related conditions.",
	constants.ClassMCI: "The analysis found some patterns that are sometimes seen with mild changes in memory and thinking.",
	constants.ClassAD:  "The analysis found patterns that are sometimes seen with Alzheimer's disease.",
}

var clinicalConsiderations = []string{
	"AI as Adjunct Tool: This analysis is supplementary and should not replace comprehensive clinical judgment.",
	"Context is Critical: Interpret results within full clinical context including symptoms and patient history.",
	"Limitations: AI models may not account for atypical presentations or comorbidities.",
	"Quality Dependent: Results assume adequate scan quality; technical issues may affect accuracy.",
	"Not Definitive: Normal findings do not rule out pathology; abnormal patterns require clinical correlation.",
}

var methodology = []string{
	"Analysis Pipeline: Multi-slice prediction with majority voting, volumetric segmentation, and pattern similarity assessment.",
	"Slice Selection: Slices are taken around the brain center located from a thresholded intensity mask after p99 normalization.",
	"Volumetric Analysis: Modulated grey matter volume from the tissue probability map (sum of probabilities times voxel volume).",
	"Estimated Regions: CSF, hippocampal and ventricular volumes are scaled population references, not measurements.",
	"Similarity Matching: Per-class score blending mean slice probability with the match to a reference volume profile.",
}

var interpretationGuidelines = []string{
	"Algorithmic Support Tool: This AI analysis serves as decision support and should not replace clinical judgment.",
	"Clinical Correlation Required: Results must be interpreted with patient history, symptoms, and other imaging.",
	"Pattern Recognition Limitations: AI models recognize statistical patterns; atypical cases may not be accurately classified.",
	"Quality Considerations: Analysis assumes adequate signal quality; artifacts may affect results.",
	"Follow-up Recommendations: Correlate with additional imaging, neuropsychological testing, and longitudinal monitoring as indicated.",
}

var patientNextSteps = []string{
	"Schedule an appointment with your doctor to discuss these results in detail.",
	"Bring this report to your doctor's appointment for their review.",
	"Prepare questions about what these findings mean for your health.",
	"Follow your doctor's advice regarding any additional tests or treatments.",
	"Don't panic - Many factors affect brain patterns, and your doctor will provide proper context.",
}

var patientQuestions = []string{
	"What do these MRI results mean in the context of my symptoms?",
	"Do I need any additional tests or imaging studies?",
	"What are the next steps in my care plan?",
	"Are there any lifestyle changes I should consider?",
	"How often should I have follow-up appointments?",
	"Should family members be aware of these findings?",
}

var disclaimers = map[constants.ReportType][]string{
	constants.ReportTechnical: {
		"This technical report is intended for qualified medical professionals and radiologists.",
		"Analysis performed using AI algorithms. Results require clinical correlation.",
		"Regions marked as estimated are derived from population references and are not measurements.",
	},
	constants.ReportClinician: {
		"This report contains AI-assisted analysis of MRI data and is intended for use by qualified healthcare professionals only.",
		"This report does NOT constitute a medical diagnosis. All findings must be interpreted by a licensed medical practitioner.",
		"The AI model provides pattern recognition support and should be used as an adjunct to clinical judgment.",
		"Results should be correlated with patient history, examination, and other diagnostic procedures.",
	},
	constants.ReportPatient: {
		"This report is for informational purposes and to facilitate discussion with your healthcare provider.",
		"The information herein is NOT a medical diagnosis and should not be used for self-diagnosis or self-treatment.",
		"Always consult with your doctor before making any health-related decisions.",
		"Your doctor will interpret these results in the context of your complete medical history.",
	},
}
