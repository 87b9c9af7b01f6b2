package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind distinguishes prepaid (available == balance) from postpaid
// (available == balance + credit_limit) accounts, per spec §3.
type AccountKind string

const (
	AccountKindPrepaid  AccountKind = "prepaid"
	AccountKindPostpaid AccountKind = "postpaid"
)

// AccountStatus is the billing-relevant lifecycle state of an account. The
// core only ever moves an account from active to suspended; closing and
// creation are owned by an external collaborator.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

// Account is the billed subject. The core never creates or deletes one; it
// only mutates Balance and Status under the ledger store's row lock.
type Account struct {
	ID                string
	AccountNumber     string
	Phone             string
	Kind              AccountKind
	Balance           decimal.Decimal
	CreditLimit       decimal.Decimal
	Currency          string
	Status            AccountStatus
	MaxConcurrentCall int
	UpdatedAt         time.Time
}

// Available returns the spendable balance per the prepaid/postpaid
// invariant in spec §3.
func (a Account) Available() decimal.Decimal {
	if a.Kind == AccountKindPostpaid {
		return a.Balance.Add(a.CreditLimit)
	}

	return a.Balance
}
