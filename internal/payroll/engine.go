// Package payroll implements the fund-custody state machine: employee
// records, reserved balances, the claim-authorization gate, the claims
// processor, and the append-only payment log.
//
// All custody state lives behind one mutex. Every operation either
// completes fully or fails with zero state change.
package payroll

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/clearledger/payroll/internal/roles"
	"github.com/clearledger/payroll/pkg/messaging"
	"github.com/clearledger/payroll/pkg/telemetry"
)

// ClaimCooldown is the minimum interval between successful claims by the
// same employee.
const ClaimCooldown = 7 * 24 * time.Hour

// Principal identifies a caller or employee.
type Principal string

// Employee is a snapshot of an employee record.
type Employee struct {
	Principal         Principal `json:"principal"`
	Salary            uint64    `json:"salary"`
	LastPaymentTime   time.Time `json:"last_payment_time"`
	AuthorizedToClaim bool      `json:"authorized_to_claim"`
	Active            bool      `json:"active"`
}

// Payment is an immutable record of a completed claim. IDs are assigned
// 1, 2, 3, ... with no reuse.
type Payment struct {
	ID        uint64    `json:"id"`
	Recipient Principal `json:"recipient"`
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// IsZero reports whether p is the unassigned-ID sentinel.
func (p Payment) IsZero() bool { return p.ID == 0 }

// Rail is the external settlement mechanism that actually moves value.
// A Settle error makes the enclosing claim fail and roll back.
type Rail interface {
	Settle(ctx context.Context, recipient Principal, amount uint64) error
}

// Publisher emits notifications after a state transition commits.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Config wires the engine's collaborators. Directory is required; the
// others default to no-ops so the core runs standalone.
type Config struct {
	Goon      Principal
	Directory roles.Directory
	Rail      Rail
	Publisher Publisher
	Metrics   telemetry.Recorder
	Now       func() time.Time
}

// Engine owns all custody state.
type Engine struct {
	mu        sync.Mutex
	employees map[Principal]*record
	reserved  map[Principal]uint64
	// reservedTotal tracks sum(reserved); it never exceeds pool, so a
	// settled claim can always be covered.
	reservedTotal uint64
	pool          uint64
	payments      []Payment
	claiming      bool

	goon    Principal
	dir     roles.Directory
	rail    Rail
	pub     Publisher
	metrics telemetry.Recorder
	now     func() time.Time
}

type record struct {
	salary          uint64
	lastPaymentTime time.Time
	authorized      bool
	active          bool
}

// NewEngine creates an engine with an empty ledger. The Goon principal is
// fixed for the engine's lifetime.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		employees: make(map[Principal]*record),
		reserved:  make(map[Principal]uint64),
		goon:      cfg.Goon,
		dir:       cfg.Directory,
		rail:      cfg.Rail,
		pub:       cfg.Publisher,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if e.metrics == nil {
		e.metrics = telemetry.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// authorize passes when the caller is the Goon (if goonOK) or holds any of
// the listed roles. Directory failures deny: access control fails closed.
func (e *Engine) authorize(ctx context.Context, caller Principal, goonOK bool, allowed ...roles.Role) error {
	if goonOK && caller == e.goon {
		return nil
	}
	for _, r := range allowed {
		held, err := e.dir.HasRole(ctx, r, string(caller))
		if err != nil {
			return fmt.Errorf("%w: role lookup failed: %v", ErrUnauthorized, err)
		}
		if held {
			return nil
		}
	}
	return ErrUnauthorized
}

// the roles stripped from a departing employee
var revokedOnRemoval = []roles.Role{roles.Moderator, roles.Admin, roles.Observer}

// AddEmployee creates an employee record. Goon only.
func (e *Engine) AddEmployee(ctx context.Context, caller, principal Principal, salary uint64) error {
	if err := e.authorize(ctx, caller, true); err != nil {
		return err
	}
	if salary == 0 {
		return ErrInvalidSalary
	}

	e.mu.Lock()
	if _, exists := e.employees[principal]; exists {
		e.mu.Unlock()
		return ErrAlreadyExists
	}
	e.employees[principal] = &record{
		salary:          salary,
		lastPaymentTime: e.now(),
		active:          true,
	}
	e.mu.Unlock()

	e.publish(ctx, messaging.EventEmployeeAdded, messaging.EmployeeEvent{
		Principal: string(principal),
		Salary:    salary,
		Active:    true,
	})
	return nil
}

// AddEmployeeWithRole creates an employee and grants a role in one unit.
// If the directory grant fails the record is removed again.
func (e *Engine) AddEmployeeWithRole(ctx context.Context, caller, principal Principal, salary uint64, role roles.Role) error {
	if err := e.AddEmployee(ctx, caller, principal, salary); err != nil {
		return err
	}
	if err := e.dir.GrantRole(ctx, role, string(principal)); err != nil {
		e.mu.Lock()
		delete(e.employees, principal)
		e.mu.Unlock()
		return fmt.Errorf("grant role: %w", err)
	}

	e.publish(ctx, messaging.EventEmployeeWithRoleAdded, messaging.EmployeeEvent{
		Principal: string(principal),
		Salary:    salary,
		Active:    true,
		Role:      role.String(),
	})
	return nil
}

// RemoveEmployee deletes the record and revokes the principal's roles.
// Goon only. The reserved balance is NOT cleared: it stays earmarked
// against the principal and is spendable again after a re-add.
func (e *Engine) RemoveEmployee(ctx context.Context, caller, principal Principal) error {
	if err := e.authorize(ctx, caller, true); err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.employees[principal]; !exists {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.mu.Unlock()

	for _, r := range revokedOnRemoval {
		if err := e.dir.RevokeRole(ctx, r, string(principal)); err != nil {
			return fmt.Errorf("revoke %s: %w", r, err)
		}
	}

	e.mu.Lock()
	delete(e.employees, principal)
	e.mu.Unlock()

	e.publish(ctx, messaging.EventEmployeeRemoved, messaging.EmployeeEvent{
		Principal: string(principal),
	})
	return nil
}

// SetActive toggles the active flag. Goon or Accountant.
func (e *Engine) SetActive(ctx context.Context, caller, principal Principal, active bool) error {
	if err := e.authorize(ctx, caller, true, roles.Accountant); err != nil {
		return err
	}

	e.mu.Lock()
	emp, exists := e.employees[principal]
	if !exists {
		e.mu.Unlock()
		return ErrNotFound
	}
	emp.active = active
	salary := emp.salary
	e.mu.Unlock()

	e.publish(ctx, messaging.EventEmployeeActive, messaging.EmployeeEvent{
		Principal: string(principal),
		Salary:    salary,
		Active:    active,
	})
	return nil
}

// SetSalary replaces the salary. Goon or Accountant. Already-reserved
// funds are unaffected.
func (e *Engine) SetSalary(ctx context.Context, caller, principal Principal, salary uint64) error {
	if err := e.authorize(ctx, caller, true, roles.Accountant); err != nil {
		return err
	}
	if salary == 0 {
		return ErrInvalidSalary
	}

	e.mu.Lock()
	emp, exists := e.employees[principal]
	if !exists {
		e.mu.Unlock()
		return ErrNotFound
	}
	emp.salary = salary
	active := emp.active
	e.mu.Unlock()

	e.publish(ctx, messaging.EventSalaryChanged, messaging.EmployeeEvent{
		Principal: string(principal),
		Salary:    salary,
		Active:    active,
	})
	return nil
}

// AddObserver grants the Observer role to an existing employee. Goon only.
func (e *Engine) AddObserver(ctx context.Context, caller, principal Principal) error {
	if err := e.authorize(ctx, caller, true); err != nil {
		return err
	}

	e.mu.Lock()
	_, exists := e.employees[principal]
	e.mu.Unlock()
	if !exists {
		return ErrNotFound
	}

	if err := e.dir.GrantRole(ctx, roles.Observer, string(principal)); err != nil {
		return fmt.Errorf("grant observer: %w", err)
	}

	e.publish(ctx, messaging.EventObserverAdded, messaging.AuthorizationEvent{
		Principal: string(principal),
		By:        string(caller),
	})
	return nil
}

// RemoveObserver revokes the Observer role. Goon only.
func (e *Engine) RemoveObserver(ctx context.Context, caller, principal Principal) error {
	if err := e.authorize(ctx, caller, true); err != nil {
		return err
	}

	if err := e.dir.RevokeRole(ctx, roles.Observer, string(principal)); err != nil {
		return fmt.Errorf("revoke observer: %w", err)
	}

	e.publish(ctx, messaging.EventObserverRemoved, messaging.AuthorizationEvent{
		Principal: string(principal),
		By:        string(caller),
	})
	return nil
}

// ReserveFunds earmarks pool funds for an employee. Goon or Accountant.
func (e *Engine) ReserveFunds(ctx context.Context, caller, principal Principal, amount uint64) error {
	if err := e.authorize(ctx, caller, true, roles.Accountant); err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.employees[principal]; !exists {
		e.mu.Unlock()
		return ErrNotFound
	}
	nextTotal, err := checkedAdd(e.reservedTotal, amount)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if nextTotal > e.pool {
		e.mu.Unlock()
		return ErrInsufficientPoolBalance
	}
	e.reservedTotal = nextTotal
	e.reserved[principal] += amount
	reserved, pool := e.reserved[principal], e.pool
	now := e.now()
	e.mu.Unlock()

	e.metrics.Reservation(string(principal), amount, now)
	e.publish(ctx, messaging.EventFundsReserved, messaging.FundsEvent{
		Principal: string(principal),
		Amount:    amount,
		Reserved:  reserved,
		Pool:      pool,
	})
	return nil
}

// AdjustReservedFunds applies a signed correction to a reserved balance.
// Goon or Accountant. The balance never goes negative.
func (e *Engine) AdjustReservedFunds(ctx context.Context, caller, principal Principal, delta int64) error {
	if err := e.authorize(ctx, caller, true, roles.Accountant); err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.employees[principal]; !exists {
		e.mu.Unlock()
		return ErrNotFound
	}
	if delta >= 0 {
		amount := uint64(delta)
		nextTotal, err := checkedAdd(e.reservedTotal, amount)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		if nextTotal > e.pool {
			e.mu.Unlock()
			return ErrInsufficientPoolBalance
		}
		e.reservedTotal = nextTotal
		e.reserved[principal] += amount
	} else {
		// magnitude computed without overflowing on MinInt64
		mag := uint64(-(delta + 1)) + 1
		if mag > e.reserved[principal] {
			e.mu.Unlock()
			return ErrInsufficientReservedFunds
		}
		e.reserved[principal] -= mag
		e.reservedTotal -= mag
	}
	reserved, pool := e.reserved[principal], e.pool
	e.mu.Unlock()

	e.publish(ctx, messaging.EventFundsAdjusted, messaging.FundsEvent{
		Principal: string(principal),
		Delta:     delta,
		Reserved:  reserved,
		Pool:      pool,
	})
	return nil
}

// AuthorizeToClaim arms the one-shot claim gate. Observer role required;
// the Goon is not implicitly an observer.
func (e *Engine) AuthorizeToClaim(ctx context.Context, caller, principal Principal) error {
	if err := e.authorize(ctx, caller, false, roles.Observer); err != nil {
		return err
	}

	e.mu.Lock()
	emp, exists := e.employees[principal]
	if !exists {
		e.mu.Unlock()
		return ErrNotFound
	}
	if !emp.active {
		e.mu.Unlock()
		return ErrNotActive
	}
	emp.authorized = true
	e.mu.Unlock()

	e.publish(ctx, messaging.EventAuthorizedToClaim, messaging.AuthorizationEvent{
		Principal: string(principal),
		By:        string(caller),
	})
	return nil
}

// RevokeAuthorizationToClaim disarms the gate. Observer role required;
// idempotent.
func (e *Engine) RevokeAuthorizationToClaim(ctx context.Context, caller, principal Principal) error {
	if err := e.authorize(ctx, caller, false, roles.Observer); err != nil {
		return err
	}

	e.mu.Lock()
	emp, exists := e.employees[principal]
	if !exists {
		e.mu.Unlock()
		return ErrNotFound
	}
	emp.authorized = false
	e.mu.Unlock()

	e.publish(ctx, messaging.EventRevokedAuthorizationToClaim, messaging.AuthorizationEvent{
		Principal: string(principal),
		By:        string(caller),
	})
	return nil
}

// ClaimSalary pays the calling employee one salary.
//
// Preconditions are checked in a fixed order, each with its own error.
// The state transition commits in full before the settlement rail is
// called; a nested claim issued from inside settlement fails with
// ErrReentrant no matter which principal it targets. If settlement fails,
// every mutation (including the payment ID counter) is reversed.
func (e *Engine) ClaimSalary(ctx context.Context, caller Principal) (Payment, error) {
	e.mu.Lock()
	if e.claiming {
		e.mu.Unlock()
		return Payment{}, ErrReentrant
	}
	emp, exists := e.employees[caller]
	if !exists {
		e.mu.Unlock()
		return Payment{}, ErrNotAnEmployee
	}
	if !emp.active {
		e.mu.Unlock()
		return Payment{}, ErrNotActive
	}
	if !emp.authorized {
		e.mu.Unlock()
		return Payment{}, ErrNotAuthorized
	}
	now := e.now()
	if now.Sub(emp.lastPaymentTime) < ClaimCooldown {
		e.mu.Unlock()
		return Payment{}, ErrCooldownNotElapsed
	}
	amount := emp.salary
	if e.reserved[caller] < amount {
		e.mu.Unlock()
		return Payment{}, ErrInsufficientReservedFunds
	}

	// Commit the full transition before the external call: a reentrant
	// caller must observe the already-mutated state.
	prevLastPayment := emp.lastPaymentTime
	e.claiming = true
	payment := Payment{
		ID:        uint64(len(e.payments)) + 1,
		Recipient: caller,
		Amount:    amount,
		Timestamp: now,
	}
	e.payments = append(e.payments, payment)
	emp.lastPaymentTime = now
	emp.authorized = false
	e.reserved[caller] -= amount
	e.reservedTotal -= amount
	e.pool -= amount
	e.mu.Unlock()

	var railErr error
	if e.rail != nil {
		railErr = e.rail.Settle(ctx, caller, amount)
	}

	e.mu.Lock()
	e.claiming = false
	if railErr != nil {
		e.payments = e.payments[:len(e.payments)-1]
		e.reserved[caller] += amount
		e.reservedTotal += amount
		e.pool += amount
		if cur, ok := e.employees[caller]; ok {
			cur.lastPaymentTime = prevLastPayment
			cur.authorized = true
		}
		e.mu.Unlock()
		return Payment{}, fmt.Errorf("settlement failed: %w", railErr)
	}
	e.mu.Unlock()

	e.metrics.Claim(string(caller), amount, now)
	e.publish(ctx, messaging.EventSalaryClaimed, messaging.PaymentEvent{
		PaymentID: payment.ID,
		Recipient: string(caller),
		Amount:    amount,
		Timestamp: now,
	})
	return payment, nil
}

// Deposit credits the pool balance. Open to any sender; the intake is an
// external collaborator concern beyond increasing the balance.
func (e *Engine) Deposit(ctx context.Context, from Principal, amount uint64) error {
	e.mu.Lock()
	next, err := checkedAdd(e.pool, amount)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.pool = next
	pool := next
	now := e.now()
	e.mu.Unlock()

	e.metrics.Deposit(string(from), amount, now)
	e.publish(ctx, messaging.EventDeposited, messaging.DepositEvent{
		From:   string(from),
		Amount: amount,
		Pool:   pool,
	})
	return nil
}

// Goon returns the fixed super-admin principal.
func (e *Engine) Goon() Principal { return e.goon }

// GetEmployee returns a snapshot of the record, if present.
func (e *Engine) GetEmployee(principal Principal) (Employee, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	emp, exists := e.employees[principal]
	if !exists {
		return Employee{}, false
	}
	return Employee{
		Principal:         principal,
		Salary:            emp.salary,
		LastPaymentTime:   emp.lastPaymentTime,
		AuthorizedToClaim: emp.authorized,
		Active:            emp.active,
	}, true
}

// GetPayment returns the record for id, or the zero-valued sentinel if id
// was never assigned.
func (e *Engine) GetPayment(id uint64) Payment {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id == 0 || id > uint64(len(e.payments)) {
		return Payment{}
	}
	return e.payments[id-1]
}

// PoolBalance returns the custodied value available for reservation.
func (e *Engine) PoolBalance() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool
}

// ReservedFor returns the reserved balance for a principal.
func (e *Engine) ReservedFor(principal Principal) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reserved[principal]
}

// PaymentCount returns the number of completed payments.
func (e *Engine) PaymentCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.payments))
}

func (e *Engine) publish(ctx context.Context, subject string, payload interface{}) {
	if e.pub == nil {
		return
	}
	n, err := messaging.NewNotification(subject, payload)
	if err != nil {
		log.Printf("payroll: encode %s: %v", subject, err)
		return
	}
	if err := e.pub.Publish(ctx, subject, n); err != nil {
		log.Printf("payroll: publish %s: %v", subject, err)
	}
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}
