package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/entity"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := OpenSQLite(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// idempotent
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	return db
}

func newSession(t *testing.T, repo SessionRepository, code string) *entity.Session {
	t.Helper()
	s, err := repo.CreateSession(context.Background(), NewSession{
		Code:          code,
		AnalysisType:  constants.AnalysisMultiDisease,
		PatientRef:    "P-1",
		InputFilename: "scan.nii.gz",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewSessionRepository(db, nil)
	ctx := context.Background()

	created := newSession(t, repo, "MRI-20261017-AB12")
	got, err := repo.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	opts := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	if diff := cmp.Diff(created, got, opts); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}

	byCode, err := repo.GetSessionByCode(ctx, "MRI-20261017-AB12")
	if err != nil || byCode.ID != created.ID {
		t.Fatalf("GetSessionByCode = %v, %v", byCode, err)
	}
	if _, err := repo.GetSession(ctx, uuid.New()); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("missing session err = %v", err)
	}
}

func TestCreateSessionValidates(t *testing.T) {
	repo := NewSessionRepository(openTestDB(t), nil)
	_, err := repo.CreateSession(context.Background(), NewSession{Code: "bad", AnalysisType: constants.AnalysisADOnly})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	_, err = repo.CreateSession(context.Background(), NewSession{Code: "MRI-20261017-AB12", AnalysisType: "ftd"})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSessionStatusTransitions(t *testing.T) {
	db := openTestDB(t)
	repo := NewSessionRepository(db, nil)
	ctx := context.Background()
	s := newSession(t, repo, "MRI-20261017-CD34")

	if err := repo.UpdateSessionStatus(ctx, s.ID, constants.SessionStatusCompleted, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> completed err = %v", err)
	}
	if err := repo.UpdateSessionStatus(ctx, s.ID, constants.SessionStatusProcessing, nil); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	msg := "slice extraction failed"
	if err := repo.UpdateSessionStatus(ctx, s.ID, constants.SessionStatusFailed, &msg); err != nil {
		t.Fatalf("processing -> failed: %v", err)
	}
	// terminal states are absorbing
	for _, next := range []constants.SessionStatus{constants.SessionStatusCompleted, constants.SessionStatusProcessing, constants.SessionStatusPending} {
		if err := repo.UpdateSessionStatus(ctx, s.ID, next, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("failed -> %s err = %v", next, err)
		}
	}
	got, err := repo.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != constants.SessionStatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != msg || got.CompletedAt == nil {
		t.Fatalf("unexpected final session %+v", got)
	}
	if err := repo.UpdateSessionStatus(ctx, uuid.New(), constants.SessionStatusProcessing, nil); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("unknown session err = %v", err)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	repo := NewSessionRepository(openTestDB(t), nil)
	codes := []string{"MRI-20261017-AAAA", "MRI-20261017-BBBB", "MRI-20261017-CCCC"}
	for _, c := range codes {
		newSession(t, repo, c)
		time.Sleep(2 * time.Millisecond)
	}
	got, err := repo.ListSessions(context.Background(), 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Code != codes[2] || got[1].Code != codes[1] {
		t.Fatalf("ListSessions = %+v", got)
	}
	rest, err := repo.ListSessions(context.Background(), 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].Code != codes[0] {
		t.Fatalf("second page = %+v", rest)
	}
}

func TestResults(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSessionRepository(db, nil)
	results := NewResultRepository(db, nil)
	ctx := context.Background()
	s := newSession(t, sessions, "MRI-20261017-EF56")

	if _, err := results.GetLatestResult(ctx, s.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("no result err = %v", err)
	}

	first := &entity.Result{SessionID: s.ID, Status: constants.ResultStatusError, ModelVersion: "v", Record: []byte(`{"status":"error"}`)}
	if err := results.CreateResult(ctx, first); err != nil {
		t.Fatalf("CreateResult: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	label := constants.ClassAD
	conf := 80.0
	second := &entity.Result{SessionID: s.ID, Status: constants.ResultStatusSuccess, Prediction: &label, Confidence: &conf,
		ClassifierKind: "real", ModelVersion: constants.ModelVersion, Record: []byte(`{"status":"success"}`)}
	if err := results.CreateResult(ctx, second); err != nil {
		t.Fatalf("CreateResult: %v", err)
	}

	latest, err := results.GetLatestResult(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != second.ID || latest.Prediction == nil || *latest.Prediction != constants.ClassAD || *latest.Confidence != 80 {
		t.Fatalf("latest = %+v", latest)
	}
	if latest.ConsensusStrength != nil {
		t.Errorf("consensus should be NULL, got %v", *latest.ConsensusStrength)
	}

	second.Record = []byte(`{"status":"success","report_urls":{}}`)
	if err := results.UpdateResult(ctx, second); err != nil {
		t.Fatalf("UpdateResult: %v", err)
	}
	latest, _ = results.GetLatestResult(ctx, s.ID)
	if string(latest.Record) != `{"status":"success","report_urls":{}}` {
		t.Fatalf("record after update = %s", latest.Record)
	}

	if err := results.UpdateResult(ctx, &entity.Result{ID: uuid.New(), Record: []byte(`{}`)}); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("update missing err = %v", err)
	}
	if err := results.CreateResult(ctx, &entity.Result{SessionID: s.ID}); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("empty record err = %v", err)
	}

	other := newSession(t, sessions, "MRI-20261017-GH78")
	m, err := results.LatestResults(ctx, []uuid.UUID{s.ID, other.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 1 || m[s.ID].ID != second.ID {
		t.Fatalf("LatestResults = %v", m)
	}
}
