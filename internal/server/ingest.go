package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/ingest"
)

const multipartMemory = 32 << 20

// SubmitAnalysis accepts a scan upload and queues it for analysis.
// POST /api/v1/analyses (multipart: file, analysis_type, patient_ref)
func (h *HTTPHandler) SubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	log := common.LoggerFromContext(r.Context(), h.logger)
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			respondError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		log.Warn("http.submit.form.invalid", "err", err)
		respondError(w, http.StatusBadRequest, "failed to parse form: "+err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	log.Info("http.submit.received", "filename", header.Filename, "bytes", header.Size)
	res, err := h.analysis.Submit(r.Context(), ingest.Upload{
		Filename:     header.Filename,
		Body:         file,
		AnalysisType: strings.TrimSpace(r.FormValue("analysis_type")),
		PatientRef:   strings.TrimSpace(r.FormValue("patient_ref")),
		TraceID:      common.RequestIDFromContext(r.Context()),
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/analyses/"+res.SessionID.String())
	respondJSON(w, http.StatusAccepted, res)
}
