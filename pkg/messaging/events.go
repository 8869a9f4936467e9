package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification subjects. The trailing segment is the notification name and
// is part of the external interface contract; do not rename.
const (
	EventEmployeeAdded               = "payroll.EmployeeAdded"
	EventEmployeeWithRoleAdded       = "payroll.EmployeeWithRoleAdded"
	EventEmployeeRemoved             = "payroll.EmployeeRemoved"
	EventEmployeeActive              = "payroll.EmployeeActive"
	EventSalaryClaimed               = "payroll.SalaryClaimed"
	EventSalaryChanged               = "payroll.SalaryChanged"
	EventObserverAdded               = "payroll.ObserverAdded"
	EventObserverRemoved             = "payroll.ObserverRemoved"
	EventAuthorizedToClaim           = "payroll.AuthorizedToClaim"
	EventRevokedAuthorizationToClaim = "payroll.RevokedAuthorizationToClaim"
	EventDeposited                   = "payroll.Deposited"
	EventFundsReserved               = "payroll.FundsReserved"
	EventFundsAdjusted               = "payroll.FundsAdjusted"
)

// EventWildcard matches every payroll notification subject.
const EventWildcard = "payroll.>"

// Notification is the envelope published on every payroll subject.
type Notification struct {
	ID        uuid.UUID       `json:"id"`
	Subject   string          `json:"subject"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewNotification wraps a typed payload in an envelope.
func NewNotification(subject string, data interface{}) (*Notification, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Notification{
		ID:        uuid.New(),
		Subject:   subject,
		Timestamp: time.Now(),
		Data:      raw,
	}, nil
}

// ParseData decodes the envelope payload into the given type.
func ParseData[T any](n *Notification) (*T, error) {
	var data T
	if err := json.Unmarshal(n.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// EmployeeEvent is the payload for employee lifecycle notifications.
type EmployeeEvent struct {
	Principal string `json:"principal"`
	Salary    uint64 `json:"salary,omitempty"`
	Active    bool   `json:"active"`
	Role      string `json:"role,omitempty"`
}

// PaymentEvent is the payload for SalaryClaimed.
type PaymentEvent struct {
	PaymentID uint64    `json:"payment_id"`
	Recipient string    `json:"recipient"`
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// AuthorizationEvent is the payload for claim-gate and observer changes.
type AuthorizationEvent struct {
	Principal string `json:"principal"`
	By        string `json:"by"`
}

// FundsEvent is the payload for FundsReserved and FundsAdjusted.
type FundsEvent struct {
	Principal string `json:"principal"`
	Amount    uint64 `json:"amount,omitempty"`
	Delta     int64  `json:"delta,omitempty"`
	Reserved  uint64 `json:"reserved"`
	Pool      uint64 `json:"pool"`
}

// DepositEvent is the payload for Deposited.
type DepositEvent struct {
	From   string `json:"from"`
	Amount uint64 `json:"amount"`
	Pool   uint64 `json:"pool"`
}
