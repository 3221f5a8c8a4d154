package export

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/entity"
	"github.com/joseph-ayodele/neuroscan/internal/repository"
)

func setup(t *testing.T) (*Service, repository.SessionRepository, repository.ResultRepository) {
	t.Helper()
	ctx := context.Background()
	db, err := repository.OpenSQLite(ctx, ":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(db.Close)
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	sessions := repository.NewSessionRepository(db, nil)
	results := repository.NewResultRepository(db, nil)
	return NewService(sessions, results, nil), sessions, results
}

func readSheet(t *testing.T, data []byte) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(sheet)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestExportSessionsXLSX(t *testing.T) {
	svc, sessions, results := setup(t)
	ctx := context.Background()

	done, err := sessions.CreateSession(ctx, repository.NewSession{Code: "MRI-20261018-AAAA", AnalysisType: constants.AnalysisADOnly, PatientRef: "P-7", InputFilename: "a.nii"})
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range []constants.SessionStatus{constants.SessionStatusProcessing, constants.SessionStatusCompleted} {
		if err := sessions.UpdateSessionStatus(ctx, done.ID, st, nil); err != nil {
			t.Fatal(err)
		}
	}
	label, conf, cons := constants.ClassAD, 91.5, 80.0
	if err := results.CreateResult(ctx, &entity.Result{
		SessionID: done.ID, Status: constants.ResultStatusSuccess, Prediction: &label,
		Confidence: &conf, ConsensusStrength: &cons, ModelVersion: constants.ModelVersion, Record: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := sessions.CreateSession(ctx, repository.NewSession{Code: "MRI-20261018-BBBB", AnalysisType: constants.AnalysisMultiDisease, InputFilename: "b.nii"}); err != nil {
		t.Fatal(err)
	}

	data, err := svc.ExportSessionsXLSX(ctx, nil, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	rows := readSheet(t, data)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "Session Code" || rows[0][10] != "Error" {
		t.Fatalf("header = %v", rows[0])
	}
	// newest first; the pending session has no prediction columns
	if rows[1][0] != "MRI-20261018-BBBB" || rows[1][2] != "pending" {
		t.Errorf("row 1 = %v", rows[1])
	}
	got := []string{rows[2][0], rows[2][2], rows[2][3], rows[2][4], rows[2][5], rows[2][6], rows[2][7], rows[2][8]}
	want := []string{"MRI-20261018-AAAA", "completed", "ad-only", "P-7", "AD", "Alzheimer's Disease", "91.5", "80"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("completed row mismatch (-want +got):\n%s", diff)
	}
}

func TestExportWindow(t *testing.T) {
	svc, sessions, _ := setup(t)
	ctx := context.Background()
	if _, err := sessions.CreateSession(ctx, repository.NewSession{Code: "MRI-20261018-CCCC", AnalysisType: constants.AnalysisMCIOnly, InputFilename: "c.nii"}); err != nil {
		t.Fatal(err)
	}

	tomorrow := time.Now().UTC().Add(24 * time.Hour)
	data, err := svc.ExportSessionsXLSX(ctx, &tomorrow, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rows := readSheet(t, data); len(rows) != 1 {
		t.Fatalf("future window rows = %d, want header only", len(rows))
	}

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	data, err = svc.ExportSessionsXLSX(ctx, &yesterday, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rows := readSheet(t, data); len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}

	data, err = svc.ExportSessionsXLSX(ctx, nil, &yesterday)
	if err != nil {
		t.Fatal(err)
	}
	if rows := readSheet(t, data); len(rows) != 1 {
		t.Fatalf("past window rows = %d, want header only", len(rows))
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 4, "abc…"},
		{"abc", 1, "a"},
		{"abc", 0, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
