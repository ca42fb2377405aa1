package model

import (
	"time"

	"crm-billing-core/internal/domain"
)

// Subscription is the tenancy entitlement record. Most of it is owned by
// the CRM domain; this core only ever flips IsActive false -> true.
type Subscription struct {
	ID         string // UUID
	CompanyRef string
	PlanRef    string
	IsActive   bool
	StartDate  time.Time
	EndDate    time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Yearly reports whether the subscription span should be billed at the
// yearly price (365 days or more).
func (s *Subscription) Yearly() bool {
	return s.EndDate.Sub(s.StartDate) >= 365*24*time.Hour
}

// Company carries the single CRM-side field this core writes: the flag
// stamped when the company's first subscription payment completes.
type Company struct {
	ID                    string // UUID
	Name                  string
	RegistrationCompleted bool
	CreatedAt             time.Time
}

// Plan is the read-only pricing record consumed at checkout time.
// Prices are USD minor units (cents).
type Plan struct {
	ID              string // UUID
	Name            string
	MonthlyPriceUSD int64
	YearlyPriceUSD  int64
	CreatedAt       time.Time
}

func (p *Plan) IsZero() bool { return p == nil || p.ID == "" }

// NewPlan validates and constructs a plan.
func NewPlan(id, name string, monthlyUSD, yearlyUSD int64) (*Plan, error) {
	if id == "" || name == "" || monthlyUSD <= 0 || yearlyUSD <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	return &Plan{
		ID:              id,
		Name:            name,
		MonthlyPriceUSD: monthlyUSD,
		YearlyPriceUSD:  yearlyUSD,
		CreatedAt:       time.Now(),
	}, nil
}
