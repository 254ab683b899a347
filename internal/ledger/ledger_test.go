package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"load_projection/internal/model"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	id := uuid.New()

	run, err := l.StartRun(ctx, id, KindProject, "2040 rcp85")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)

	require.NoError(t, l.FinishRun(ctx, id, StatusPartial))

	got, err := l.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, KindProject, got.Kind)
	assert.Equal(t, StatusPartial, got.Status)
	assert.Equal(t, "2040 rcp85", got.Note)
	assert.False(t, got.FinishedAt.IsZero())
	assert.False(t, got.FinishedAt.Before(got.StartedAt))

	_, err = l.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, l.FinishRun(ctx, uuid.New(), StatusOK), model.ErrNotFound)
}

func TestLedger_Summaries(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	id := uuid.New()
	_, err := l.StartRun(ctx, id, KindProject, "")
	require.NoError(t, err)

	rows := []model.SummaryRow{
		{State: "48", Year: 2040, Scenario: "rcp85", RawTotal: 60, TargetTotal: 120, ScaleFactor: 2},
		{State: "06", Year: 2040, Scenario: "rcp85", RawTotal: 100, TargetTotal: 50, ScaleFactor: 0.5},
	}
	require.NoError(t, l.RecordSummaries(ctx, id, rows))

	got, err := l.Summaries(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rows[1], got[0])
	assert.Equal(t, rows[0], got[1])

	// duplicate key rolls back the whole batch
	err = l.RecordSummaries(ctx, id, []model.SummaryRow{
		{State: "12", Year: 2040, Scenario: "rcp85", RawTotal: 1, TargetTotal: 1, ScaleFactor: 1},
		rows[0],
	})
	assert.Error(t, err)
	got, err = l.Summaries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestLedger_UnknownRunRejected(t *testing.T) {
	l := openTestLedger(t)
	err := l.RecordSummaries(context.Background(), uuid.New(), []model.SummaryRow{{State: "06", Year: 2040, Scenario: "x"}})
	assert.Error(t, err, "foreign key to runs")
}

func TestLedger_ValidationsAndFailures(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	id := uuid.New()
	_, err := l.StartRun(ctx, id, KindTrain, "")
	require.NoError(t, err)

	recs := []model.ValidationRecord{
		{Region: "PJM", N: 744, MeanObserved: 90000, RMSE: 3000, NRMSE: 0.033, MAPE: 0.028, R2: 0.91},
		{Region: "CISO", N: 744, MeanObserved: 25000, RMSE: 1000, NRMSE: 0.04, MAPE: 0.03, MAPEExcluded: 2, R2: 0.88},
	}
	require.NoError(t, l.RecordValidations(ctx, id, recs))
	require.NoError(t, l.RecordFailures(ctx, id, "", []model.Failure{
		{Entity: "TINY", Stage: model.StageTrain, Err: errors.New("insufficient training data")},
	}))
	require.NoError(t, l.RecordFailures(ctx, id, "", nil))

	gotRecs, err := l.Validations(ctx, id)
	require.NoError(t, err)
	require.Len(t, gotRecs, 2)
	assert.Equal(t, recs[1], gotRecs[0])

	fails, err := l.Failures(ctx, id)
	require.NoError(t, err)
	require.Len(t, fails, 1)
	assert.Equal(t, FailureRow{Entity: "TINY", Stage: model.StageTrain, Error: "insufficient training data"}, fails[0])
}

func TestLedger_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	id := uuid.New()

	l, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = l.StartRun(ctx, id, KindTrain, "")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(ctx, path)
	require.NoError(t, err)
	defer l.Close()
	_, err = l.GetRun(ctx, id)
	assert.NoError(t, err)
}
