// Package reconcile drives offboarding cases through discovery, findings
// persistence, status recomputation and remediation.
package reconcile

import (
	"errors"

	"github.com/onnwee/offboard/internal/casestore"
)

// ErrInvalidTransition is returned when a case cannot move to the requested status.
var ErrInvalidTransition = errors.New("invalid case status transition")

// NextStatus is the rescan policy shared by scans and remediations. It
// depends only on the current status, the number of live artifacts and the
// number of open findings after the scan.
//
//   - no access and no open findings: draft and all_clear settle on
//     all_clear; gaps_found, scheduled and remediated settle on remediated;
//     closed stays closed.
//   - anything else is gaps_found, including from remediated or closed.
func NextStatus(current casestore.Status, artifacts, openFindings int) casestore.Status {
	if artifacts == 0 && openFindings == 0 {
		switch current {
		case casestore.StatusClosed:
			return casestore.StatusClosed
		case casestore.StatusGapsFound, casestore.StatusScheduled, casestore.StatusRemediated:
			return casestore.StatusRemediated
		default:
			return casestore.StatusAllClear
		}
	}
	return casestore.StatusGapsFound
}

// settle applies NextStatus to a scanned case and then narrows it:
//
//   - a degraded scan (a category failed and read as empty) may only move
//     the case toward gaps_found; it never settles on all_clear or
//     remediated, because the missing category could still hold access.
//   - a scheduled case with a remediation date and remaining gaps stays
//     scheduled so the remediation check can still pick it up.
func settle(c *casestore.Case, artifacts, openFindings int, degraded bool) casestore.Status {
	next := NextStatus(c.Status, artifacts, openFindings)
	if degraded && next != casestore.StatusGapsFound {
		return c.Status
	}
	if c.Status == casestore.StatusScheduled && c.ScheduledRemediationAt != nil && next == casestore.StatusGapsFound {
		return casestore.StatusScheduled
	}
	return next
}

// IsReopen reports whether moving from current to next reopens a case that
// had been remediated or closed.
func IsReopen(current, next casestore.Status) bool {
	return !current.IsOpen() && next == casestore.StatusGapsFound
}
