package ledger

import "errors"

var ErrUnknownPlan = errors.New("repayment plan does not belong to the paying account")
