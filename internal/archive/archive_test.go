package archive

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/payroll/internal/payroll"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestInit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS payments`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord(t *testing.T) {
	store, mock := newMockStore(t)
	paidAt := time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO payments`).
		WithArgs(int64(1), "alice", int64(100), paidAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Record(context.Background(), payroll.Payment{
		ID:        1,
		Recipient: "alice",
		Amount:    100,
		Timestamp: paidAt,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestByRecipient(t *testing.T) {
	store, mock := newMockStore(t)
	paidAt := time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "recipient", "amount", "paid_at"}).
		AddRow(int64(2), "alice", int64(100), paidAt.Add(7*24*time.Hour)).
		AddRow(int64(1), "alice", int64(100), paidAt)

	mock.ExpectQuery(`SELECT id, recipient, amount, paid_at`).
		WithArgs("alice", 10).
		WillReturnRows(rows)

	payments, err := store.ByRecipient(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, uint64(2), payments[0].ID)
	assert.Equal(t, payroll.Principal("alice"), payments[0].Recipient)
	assert.Equal(t, uint64(100), payments[1].Amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBetween(t *testing.T) {
	store, mock := newMockStore(t)
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	rows := sqlmock.NewRows([]string{"id", "recipient", "amount", "paid_at"}).
		AddRow(int64(1), "alice", int64(100), from.Add(48*time.Hour))

	mock.ExpectQuery(`SELECT id, recipient, amount, paid_at`).
		WithArgs(from, to).
		WillReturnRows(rows)

	payments, err := store.Between(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, uint64(1), payments[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO payments`).
		WillReturnError(assert.AnError)

	err := store.Record(context.Background(), payroll.Payment{ID: 1, Recipient: "alice", Amount: 100})
	assert.Error(t, err)
}
