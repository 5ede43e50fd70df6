package monitor

import (
	"time"

	"github.com/kpiflow-io/kpiflow/internal/ingestion"
)

// Outcome describes what one tick should do with one open job record.
type Outcome struct {
	// Status is the terminal status to assign; meaningful only when
	// Terminal is true.
	Status ingestion.JobStatus

	// Terminal reports that the run is finished and must be handed off.
	Terminal bool

	// Promote reports a pending record that aged past one tick without
	// data: move it to active, no handoff.
	Promote bool

	// Reason is a short operator-facing explanation for logs.
	Reason string
}

// stay is the no-action outcome: the record keeps waiting for data.
var stay = Outcome{}

// Evaluate decides what to do with one open record. Pure function of the
// record, the clock, and the thresholds; no I/O, no mutation.
//
// Rules, first match wins:
//  1. Status already terminal (ingestion resolved the run, or a previous
//     tick crashed between publish and mark): hand off that status.
//  2. Recomputed aggregate is terminal (a lost ingestion write left the
//     stored status behind the KPI map): hand off the recomputed status.
//  3. Run aged past the timeout: partial when the completed fraction meets
//     the threshold, failed when nothing completed but failures were
//     reported, timeout when nothing arrived at all. Below-threshold runs
//     with some data stay open and keep re-polling.
//  4. Pending records older than one tick are promoted to active.
//
// Records without expectations (implicitly created runs) have no meaningful
// completed fraction, so once aged they close as partial whenever anything
// completed.
func Evaluate(record *ingestion.JobRecord, now time.Time, cfg *Config) Outcome {
	if record.Status.IsTerminal() {
		return Outcome{
			Status:   record.Status,
			Terminal: true,
			Reason:   "terminal status awaiting handoff",
		}
	}

	if next := ingestion.ComputeAggregateStatus(record.ExpectedKPIIDs, record.KPIs); next.IsTerminal() {
		reason := "all expected KPIs completed"
		if next == ingestion.JobStatusPartial {
			reason = "all expected KPIs resolved with mixed outcomes"
		}

		return Outcome{Status: next, Terminal: true, Reason: reason}
	}

	completed, failed, total := ingestion.CountKPIOutcomes(record)
	aged := now.Sub(record.CreatedAt) > cfg.Timeout

	if aged {
		return evaluateAged(record, completed, failed, total, cfg.PartialThreshold)
	}

	if record.Status == ingestion.JobStatusPending && now.Sub(record.CreatedAt) > cfg.Interval {
		return Outcome{Promote: true, Reason: "pending past one tick"}
	}

	return stay
}

// evaluateAged closes a run that exceeded the timeout. The caller has already
// ruled out data-complete outcomes.
func evaluateAged(record *ingestion.JobRecord, completed, failed, total int, threshold float64) Outcome {
	explicit := len(record.ExpectedKPIIDs) > 0

	switch {
	case explicit && completed > 0 && float64(completed)/float64(total) >= threshold:
		return Outcome{
			Status:   ingestion.JobStatusPartial,
			Terminal: true,
			Reason:   "timed out at or above partial threshold",
		}

	case !explicit && completed > 0:
		return Outcome{
			Status:   ingestion.JobStatusPartial,
			Terminal: true,
			Reason:   "implicit run timed out with completions",
		}

	case completed == 0 && failed > 0:
		return Outcome{
			Status:   ingestion.JobStatusFailed,
			Terminal: true,
			Reason:   "timed out with failures and no completions",
		}

	case completed == 0:
		return Outcome{
			Status:   ingestion.JobStatusTimeout,
			Terminal: true,
			Reason:   "timed out with no data",
		}

	default:
		// Some data arrived but below the threshold: the run stays open so
		// late completions can still push it over.
		return stay
	}
}
