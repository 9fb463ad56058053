package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/creditline/pkg/models"
	"github.com/mcclellann/creditline/pkg/store"
	"github.com/sirupsen/logrus"
)

// EvaluatePenalties charges every instalment of the plan that fell due before asOf
// and is still unpaid. Each instalment is charged at most once, so repeated calls
// with the same or a later asOf never double-charge it. Instalments whose penalty
// rounds to zero are stamped without recording a penalty.
func (l *Ledger) EvaluatePenalties(ctx context.Context, planID uuid.UUID, asOf time.Time) ([]*models.Penalty, error) {
	plan, err := l.storage.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.lock(plan.AccountID)
	defer unlock()

	var charged []*models.Penalty
	err = l.storage.WithinTx(ctx, func(tx store.Storage) error {
		plan, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if plan.Status != models.PlanStatusActive {
			return nil
		}

		overdue := plan.PenalizableInstallments(asOf)
		if len(overdue) == 0 {
			return nil
		}

		now := l.now()
		for _, inst := range overdue {
			stamped := now
			inst.PenalizedAt = &stamped

			amount := plan.CalculatePenalty(inst.Amount.Sub(inst.PaidAmount))
			if !amount.IsPositive() {
				continue
			}
			inst.Penalty = inst.Penalty.Add(amount)
			plan.ApplyPenalty(amount)

			penalty := &models.Penalty{
				ID:                  uuid.New(),
				AccountID:           plan.AccountID,
				PlanID:              plan.ID,
				InstallmentSequence: inst.SequenceNumber,
				PeriodKey:           models.PeriodKey(plan.ID, inst.SequenceNumber),
				Amount:              amount,
				CreatedAt:           now,
			}
			if err := tx.CreatePenalty(ctx, penalty); err != nil {
				return fmt.Errorf("failed to store penalty %s: %w", penalty.PeriodKey, err)
			}
			if err := l.journal(ctx, tx, plan.AccountID, &plan.ID, amount, models.TransactionTypePenalty); err != nil {
				return err
			}
			charged = append(charged, penalty)
		}

		plan.UpdatedAt = now
		return tx.UpdatePlan(ctx, plan)
	})
	if err != nil {
		return nil, err
	}

	for _, p := range charged {
		l.log.WithFields(logrus.Fields{
			"plan_id":     p.PlanID,
			"account_id":  p.AccountID,
			"installment": p.InstallmentSequence,
			"amount":      p.Amount.StringFixed(2),
		}).Info("Charged late payment penalty")
	}
	return charged, nil
}

// SweepOverdue evaluates penalties on every active plan. A failing plan does not
// stop the sweep; its error is returned alongside the others once all plans ran.
func (l *Ledger) SweepOverdue(ctx context.Context, asOf time.Time) (int, error) {
	plans, err := l.storage.GetAllActivePlans(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active plans: %w", err)
	}

	var (
		count int
		errs  []error
	)
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		charged, err := l.EvaluatePenalties(ctx, plan.ID, asOf)
		if err != nil {
			l.log.WithError(err).WithField("plan_id", plan.ID).Error("Penalty evaluation failed")
			errs = append(errs, fmt.Errorf("plan %s: %w", plan.ID, err))
			continue
		}
		count += len(charged)
	}

	l.log.WithFields(logrus.Fields{
		"plans":     len(plans),
		"penalties": count,
		"as_of":     asOf.Format(time.RFC3339),
	}).Info("Overdue sweep complete")
	return count, errors.Join(errs...)
}
