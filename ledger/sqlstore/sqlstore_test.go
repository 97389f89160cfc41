package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nodeking.dev/nodeking/config"
	"go.nodeking.dev/nodeking/ledger"
	"go.nodeking.dev/nodeking/nodeid"
	"go.nodeking.dev/nodeking/scoring"
	"go.nodeking.dev/nodeking/testutil"
)

const (
	selectQuery = "SELECT doc FROM ledger_state WHERE name = ?"
	upsertQuery = "INSERT INTO ledger_state (name, doc, updated_on) VALUES (?, ?, ?)"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestLoad(t *testing.T) {
	doc := ledger.NewDocument()
	desc := "trojan://pw@198.51.100.1:443"
	doc.Dead[nodeid.ID(desc)] = &ledger.DeadRecord{
		NodeRecord:     ledger.NodeRecord{Descriptor: desc},
		DeathTimestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		DeathReason:    "3 consecutive failures",
	}
	stored, err := ledger.Encode(doc)
	require.NoError(t, err)

	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantNil   bool
		wantErr   error
	}{
		{
			name: "found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(selectQuery)).
					WithArgs("prod").
					WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(stored))
			},
		},
		{
			name: "empty table",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(selectQuery)).
					WithArgs("prod").
					WillReturnError(sql.ErrNoRows)
			},
			wantNil: true,
		},
		{
			name: "corrupt row",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(selectQuery)).
					WithArgs("prod").
					WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(`{"version":`)))
			},
			wantErr: ledger.ErrSchema,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupTestDB(t)
			tt.mockSetup(mock)

			got, err := New(db, "prod").Load(context.Background())
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantNil:
				require.NoError(t, err)
				assert.Nil(t, got)
			default:
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Contains(t, got.Dead, nodeid.ID(desc))
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSave(t *testing.T) {
	db, mock := setupTestDB(t)
	doc := ledger.NewDocument()
	doc.UpdateTime = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(upsertQuery)).
		WithArgs("default", sqlmock.AnyArg(), doc.UpdateTime).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, New(db, "").Save(context.Background(), doc))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveError(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectExec(regexp.QuoteMeta(upsertQuery)).
		WillReturnError(errors.New("connection reset"))

	err := New(db, "prod").Save(context.Background(), ledger.NewDocument())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"prod"`)
}

func TestEnsureSchema(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ledger_state")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, New(db, "prod").EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerOnSQLStore(t *testing.T) {
	db, mock := setupTestDB(t)
	ctx := testutil.NewTestLogger(t).Context()
	clock := testutil.NewFrozenTime(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))

	mock.ExpectQuery(regexp.QuoteMeta(selectQuery)).
		WithArgs("prod").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta(upsertQuery)).
		WithArgs("prod", sqlmock.AnyArg(), clock.Now()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	l := ledger.New(config.Default().Ranking, New(db, "prod"), ledger.WithClock(clock.Now))
	require.NoError(t, l.Load(ctx))
	l.Update(ctx, "trojan://pw@198.51.100.1:443", scoring.Millis(40), true)
	require.NoError(t, l.Save(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)

	_, err = Open(context.Background(), "not a dsn")
	assert.Error(t, err)
}
