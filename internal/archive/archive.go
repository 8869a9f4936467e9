// Package archive keeps a SQL copy of the payment log for reporting.
//
// The in-memory log inside the engine stays the source of truth; the
// archive is write-behind and its failures never propagate into claims.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/clearledger/payroll/internal/payroll"
	"github.com/clearledger/payroll/pkg/messaging"
)

const schema = `CREATE TABLE IF NOT EXISTS payments (
	id         BIGINT PRIMARY KEY,
	recipient  TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	paid_at    TIMESTAMPTZ NOT NULL
)`

// Store persists payments to postgres.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the payments table if needed.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create payments table: %w", err)
	}
	return nil
}

// Record inserts one completed payment. Re-recording an ID is a conflict
// and is ignored: the engine never assigns an ID twice with different
// contents.
func (s *Store) Record(ctx context.Context, p payroll.Payment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, recipient, amount, paid_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		int64(p.ID), string(p.Recipient), int64(p.Amount), p.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

// ByRecipient returns the most recent payments made to a principal.
func (s *Store) ByRecipient(ctx context.Context, recipient string, limit int) ([]payroll.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient, amount, paid_at
		 FROM payments WHERE recipient = $1
		 ORDER BY id DESC LIMIT $2`,
		recipient, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

// Between returns payments made inside [from, to).
func (s *Store) Between(ctx context.Context, from, to time.Time) ([]payroll.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient, amount, paid_at
		 FROM payments WHERE paid_at >= $1 AND paid_at < $2
		 ORDER BY id`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func scanPayments(rows *sql.Rows) ([]payroll.Payment, error) {
	var payments []payroll.Payment
	for rows.Next() {
		var (
			id, amount int64
			recipient  string
			paidAt     time.Time
		)
		if err := rows.Scan(&id, &recipient, &amount, &paidAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, payroll.Payment{
			ID:        uint64(id),
			Recipient: payroll.Principal(recipient),
			Amount:    uint64(amount),
			Timestamp: paidAt,
		})
	}
	return payments, rows.Err()
}

// Subscriber registers message handlers; satisfied by messaging.Client.
type Subscriber interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// Follow subscribes the store to SalaryClaimed notifications and records
// each payment as it happens.
func (s *Store) Follow(sub Subscriber) error {
	return sub.Subscribe(messaging.EventSalaryClaimed, func(msg *nats.Msg) {
		var n messaging.Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			log.Printf("archive: bad notification: %v", err)
			return
		}
		ev, err := messaging.ParseData[messaging.PaymentEvent](&n)
		if err != nil {
			log.Printf("archive: bad payment event: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.Record(ctx, payroll.Payment{
			ID:        ev.PaymentID,
			Recipient: payroll.Principal(ev.Recipient),
			Amount:    ev.Amount,
			Timestamp: ev.Timestamp,
		})
		if err != nil {
			log.Printf("archive: record payment %d: %v", ev.PaymentID, err)
		}
	})
}
