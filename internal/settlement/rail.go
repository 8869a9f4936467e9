// Package settlement issues transfer instructions to the external payment
// rail. The rail is the collaborator that actually moves value; the engine
// only learns success or failure.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/clearledger/payroll/internal/payroll"
)

var (
	// ErrRejected means the rail answered and declined the transfer.
	ErrRejected = errors.New("settlement rejected by rail")
	// ErrRailOpen means the breaker is open and no request was sent.
	ErrRailOpen = errors.New("settlement rail circuit open")
)

// StatusOK is the rail's accepted-transfer status.
const StatusOK = "ok"

// Instruction is the wire request sent to the rail. Amount is a decimal
// string in major units.
type Instruction struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

// Receipt is the rail's reply.
type Receipt struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Requester performs a request-reply round trip; satisfied by
// messaging.Client.
type Requester interface {
	Request(ctx context.Context, subject string, data interface{}, timeout time.Duration) (*nats.Msg, error)
}

// Config tunes the rail client.
type Config struct {
	Subject     string        // request subject, e.g. "rail.settle"
	Timeout     time.Duration // per-request timeout
	Scale       int32         // base-unit exponent: amount 12345 at scale 2 is "123.45"
	MaxFailures int           // consecutive failures before the breaker opens
	RetryAfter  time.Duration // how long the breaker stays open
}

// NATSRail sends settlement instructions over NATS request-reply, behind a
// circuit breaker so a flapping rail fails fast. A breaker-open failure is
// a settlement failure like any other: the enclosing claim rolls back.
type NATSRail struct {
	req     Requester
	subject string
	timeout time.Duration
	scale   int32
	breaker *breaker
}

// NewNATSRail creates a rail client.
func NewNATSRail(req Requester, cfg Config) *NATSRail {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RetryAfter == 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	return &NATSRail{
		req:     req,
		subject: cfg.Subject,
		timeout: cfg.Timeout,
		scale:   cfg.Scale,
		breaker: newBreaker(cfg.MaxFailures, cfg.RetryAfter),
	}
}

// Settle asks the rail to move amount to recipient.
func (r *NATSRail) Settle(ctx context.Context, recipient payroll.Principal, amount uint64) error {
	return r.breaker.execute(func() error {
		inst := Instruction{
			ID:        uuid.NewString(),
			Recipient: string(recipient),
			Amount:    FormatAmount(amount, r.scale),
		}

		msg, err := r.req.Request(ctx, r.subject, inst, r.timeout)
		if err != nil {
			return fmt.Errorf("settlement request: %w", err)
		}

		var receipt Receipt
		if err := json.Unmarshal(msg.Data, &receipt); err != nil {
			return fmt.Errorf("settlement reply: %w", err)
		}
		if receipt.Status != StatusOK {
			return fmt.Errorf("%w: %s", ErrRejected, receipt.Reason)
		}
		return nil
	})
}

// FormatAmount renders integer base units as a decimal string in major
// units. Integer amounts never lose precision on this path.
func FormatAmount(amount uint64, scale int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -scale).String()
}
