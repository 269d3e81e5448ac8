// Package ledger accounts image credits against a tenant's monthly included
// allowance and rolling add-on balance. Reservations are debited before any
// generation call and finalized exactly once when the job resolves.
package ledger

import (
	"time"

	"github.com/realenhance/server/internal/domain"
)

// Allocation is the included/add-on split for one billable unit.
type Allocation struct {
	Included int
	Addon    int
}

// Total returns the number of images the allocation covers.
func (a Allocation) Total() int { return a.Included + a.Addon }

func (a Allocation) add(b Allocation) Allocation {
	return Allocation{Included: a.Included + b.Included, Addon: a.Addon + b.Addon}
}

// Split records how a job's reservation was drawn: enhance and declutter are
// bundled as one billable unit, staging is a second. The exact split is kept
// so refunds restore precisely what was taken.
type Split struct {
	Stage12 Allocation
	Stage2  Allocation
}

// Total returns the reserved image count across both bundles.
func (s Split) Total() int { return s.Stage12.Total() + s.Stage2.Total() }

// PlanAllocation draws the billable units for the requested stage set,
// included allowance first, then add-on balance, one unit at a time in stage
// order. It fails with domain.ErrQuotaExceeded without partial effects when
// the combined remaining balance cannot cover the request.
func PlanAllocation(stages domain.StageSet, includedRemaining, addonBalance int) (Split, error) {
	required := stages.BillableImages()
	if includedRemaining < 0 {
		includedRemaining = 0
	}
	if required > includedRemaining+addonBalance {
		return Split{}, domain.ErrQuotaExceeded
	}

	var split Split
	draw := func() Allocation {
		if includedRemaining > 0 {
			includedRemaining--
			return Allocation{Included: 1}
		}
		addonBalance--
		return Allocation{Addon: 1}
	}
	if stages.Enhance || stages.Declutter {
		split.Stage12 = draw()
	}
	if stages.Staging {
		split.Stage2 = draw()
	}
	return split, nil
}

// Reservation statuses. Transitions are forward-only from reserved.
const (
	StatusReserved          = "reserved"
	StatusConsumed          = "consumed"
	StatusReleased          = "released"
	StatusPartiallyReleased = "partially_released"
)

// ResolveStatus maps per-bundle outcomes to the reservation's terminal
// status. Bundles with no reserved units are ignored.
func ResolveStatus(split Split, stage12OK, stage2OK bool) string {
	consumed := 0
	released := 0
	if split.Stage12.Total() > 0 {
		if stage12OK {
			consumed++
		} else {
			released++
		}
	}
	if split.Stage2.Total() > 0 {
		if stage2OK {
			consumed++
		} else {
			released++
		}
	}
	switch {
	case released == 0:
		return StatusConsumed
	case consumed == 0:
		return StatusReleased
	default:
		return StatusPartiallyReleased
	}
}

// RefundFor returns the exact units to restore for bundles that did not
// succeed.
func RefundFor(split Split, stage12OK, stage2OK bool) Allocation {
	var refund Allocation
	if split.Stage12.Total() > 0 && !stage12OK {
		refund = refund.add(split.Stage12)
	}
	if split.Stage2.Total() > 0 && !stage2OK {
		refund = refund.add(split.Stage2)
	}
	return refund
}

// MonthKey formats t's UTC month as YYYY-MM, the partition key for monthly
// usage rows.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
