package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/neuroscan/internal/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ExportAnalyses streams the sessions workbook.
// GET /api/v1/analyses/export.xlsx?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *HTTPHandler) ExportAnalyses(w http.ResponseWriter, r *http.Request) {
	if h.export == nil {
		respondError(w, http.StatusNotImplemented, "export is not configured")
		return
	}
	var fromPtr, toPtr *time.Time
	if fd := strings.TrimSpace(r.URL.Query().Get("from")); fd != "" {
		t, err := utils.ParseYMD(fd)
		if err != nil {
			respondError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
			return
		}
		fromPtr = &t
	}
	if td := strings.TrimSpace(r.URL.Query().Get("to")); td != "" {
		t, err := utils.ParseYMD(td)
		if err != nil {
			respondError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
			return
		}
		toPtr = &t
	}

	xlsx, err := h.export.ExportSessionsXLSX(r.Context(), fromPtr, toPtr)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	name := "neuroscan-sessions-" + time.Now().UTC().Format("20060102") + ".xlsx"
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(xlsx)
}
