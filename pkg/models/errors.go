package models

import "errors"

var (
	ErrInsufficientCredit = errors.New("insufficient available credit")
	ErrPlanAlreadyExists  = errors.New("purchase already has a repayment plan")
	ErrNotInstalment      = errors.New("purchase is not an instalment purchase")
	ErrOverpayment        = errors.New("payment exceeds the remaining schedule")
	ErrPlanSettled        = errors.New("repayment plan is already settled")
)
