package reconciler

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/concilia-dev/concilia/internal/models"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/pkg/errors"
)

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// AllocationLine pairs a target with the amount to allocate against it
type AllocationLine struct {
	Target *models.TargetRecord
	Amount decimal.Decimal
}

// validateAllocation enforces the allocation invariants against current
// state. Violations are fatal: the caller writes a critical audit entry and
// aborts instead of committing.
func validateAllocation(movement *models.BankMovement, lines []AllocationLine) error {
	if len(lines) == 0 {
		return errors.ValidationError(errors.CodeMissingField, "lines", "empty allocation")
	}

	total := decimal.Zero
	seen := make(map[string]bool, len(lines))

	for _, line := range lines {
		if !line.Amount.IsPositive() {
			return errors.ValidationError(errors.CodeInvalidAmount, "allocation", line.Amount.String())
		}
		if !line.Amount.Equal(models.RoundAmount(line.Amount)) {
			return errors.ValidationError(errors.CodeInvalidAmount, "allocation",
				fmt.Sprintf("%s is not rounded to cents", line.Amount))
		}
		if seen[line.Target.ID] {
			return errors.ValidationError(errors.CodeOutOfRange, "allocation",
				fmt.Sprintf("duplicate target %s", line.Target.ID))
		}
		seen[line.Target.ID] = true

		if line.Target.TenantID != movement.TenantID {
			return errors.NotFoundError(errors.CodeTargetNotFound, "target", line.Target.ID)
		}

		capacity := line.Target.RemainingCapacity()
		if line.Amount.Sub(capacity).GreaterThan(models.Epsilon) {
			return errors.InvariantViolation(errors.CodeOverAllocation,
				fmt.Sprintf("target %s: allocation %s exceeds remaining capacity %s",
					line.Target.ID, line.Amount, capacity))
		}

		total = total.Add(line.Amount)
	}

	if total.Sub(movement.PendingAmount()).GreaterThan(models.Epsilon) {
		return errors.InvariantViolation(errors.CodeOverAllocation,
			fmt.Sprintf("movement %s: allocation %s exceeds pending amount %s",
				movement.ID, total, movement.PendingAmount()))
	}

	return nil
}

// buildCommit turns a validated allocation into a DecisionCommit. The
// movement becomes Matched when the residual after allocation is at most one
// cent, otherwise PartiallyMatched. Targets settle the same way against
// their own remaining capacity.
func buildCommit(movement *models.BankMovement, lines []AllocationLine, source models.MatchSource, score float64, explanation, actor string) *storage.DecisionCommit {
	now := time.Now().UTC()

	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Amount)
	}

	newAllocated := movement.AllocatedAmount.Add(total)
	residual := movement.AbsAmount().Sub(newAllocated)

	status := models.MovementPartiallyMatched
	var matchedAt *time.Time
	if residual.LessThanOrEqual(models.Epsilon) {
		status = models.MovementMatched
		matchedAt = &now
	}

	commit := &storage.DecisionCommit{
		TenantID: movement.TenantID,
		Movement: &storage.MovementUpdate{
			MovementID:      movement.ID,
			ExpectedVersion: movement.Version,
			Status:          status,
			AllocatedAmount: newAllocated,
			MatchedAt:       matchedAt,
		},
	}

	for _, line := range lines {
		target := line.Target

		allocated := target.AllocatedAmount.Add(line.Amount)
		outstanding := target.OutstandingBalance
		if target.Installment {
			outstanding = outstanding.Sub(line.Amount)
			if outstanding.IsNegative() {
				outstanding = decimal.Zero
			}
		}

		remaining := target.RemainingCapacity().Sub(line.Amount)
		settled := remaining.LessThanOrEqual(models.Epsilon)

		commit.Targets = append(commit.Targets, storage.TargetUpdate{
			TargetID:           target.ID,
			ExpectedVersion:    target.Version,
			AllocatedAmount:    allocated,
			OutstandingBalance: outstanding,
			Settled:            settled,
		})

		commit.Links = append(commit.Links, &models.MatchLink{
			ID:              newID(),
			TenantID:        movement.TenantID,
			MovementID:      movement.ID,
			TargetID:        target.ID,
			TargetKind:      target.Kind,
			AllocatedAmount: line.Amount,
			ConfidenceScore: score,
			Source:          source,
			Explanation:     explanation,
			CreatedBy:       actor,
		})
	}

	return commit
}
