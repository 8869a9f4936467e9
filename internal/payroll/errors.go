package payroll

import "errors"

// Every precondition failure aborts the whole operation with zero state
// change; callers distinguish "try later" (cooldown, insufficient funds)
// from "never" (not found, not authorized) by matching these values with
// errors.Is.
var (
	ErrUnauthorized              = errors.New("caller lacks required role")
	ErrNotFound                  = errors.New("employee not found")
	ErrAlreadyExists             = errors.New("employee already exists")
	ErrNotActive                 = errors.New("employee not active")
	ErrNotAnEmployee             = errors.New("caller is not an employee")
	ErrNotAuthorized             = errors.New("claim not authorized")
	ErrCooldownNotElapsed        = errors.New("claim cooldown not elapsed")
	ErrInsufficientReservedFunds = errors.New("insufficient reserved funds")
	ErrInsufficientPoolBalance   = errors.New("insufficient pool balance")
	ErrReentrant                 = errors.New("reentrant claim rejected")
	ErrArithmeticOverflow        = errors.New("arithmetic overflow")
	ErrInvalidSalary             = errors.New("salary must be greater than zero")
)
