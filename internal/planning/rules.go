package planning

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Deadlines returns the deadline of every process for a plan dated planDate.
func Deadlines(planDate Date) [ProcessCount]Date {
	var out [ProcessCount]Date
	for i, p := range Catalogue {
		out[i] = planDate.AddDays(p.OffsetDays)
	}
	return out
}

// NewProcesses builds the initial, empty process rows for a plan.
func NewProcesses(planID int64, planDate Date) []PlanProcess {
	deadlines := Deadlines(planDate)
	procs := make([]PlanProcess, ProcessCount)
	for i, p := range Catalogue {
		procs[i] = PlanProcess{
			PlanID:   planID,
			No:       p.No,
			Name:     p.Name,
			Deadline: deadlines[i],
			Files:    []ProcessFile{},
		}
	}
	return procs
}

// OverallPercent weights each process percentage by its rate. Rates are
// normalised by their sum, so a table that does not add up to 100 still
// yields a value in 0..100. A process missing from rates takes its catalogue
// default, and an all-zero table falls back to the defaults entirely.
func OverallPercent(procs []PlanProcess, rates map[int]float64) float64 {
	if len(procs) == 0 {
		return 0
	}
	defaults := DefaultRates()
	weights := make(map[int]float64, len(procs))
	var total float64
	for _, p := range procs {
		w, ok := rates[p.No]
		if !ok {
			w = defaults[p.No]
		}
		weights[p.No] = w
		total += w
	}
	if total <= 0 {
		weights = defaults
		total = 0
		for _, p := range procs {
			total += weights[p.No]
		}
		if total <= 0 {
			return 0
		}
	}

	var sum float64
	for _, p := range procs {
		sum += float64(p.Percent) * weights[p.No]
	}
	return math.Round(sum/total*10) / 10
}

// DeriveStatus applies completed > overdue > not_started > in_progress.
func DeriveStatus(procs []PlanProcess, today Date) Status {
	if len(procs) == 0 {
		return StatusNotStarted
	}
	allDone, allZero, late := true, true, false
	for _, p := range procs {
		if !p.Complete() {
			allDone = false
			if p.Deadline.Before(today.Time) {
				late = true
			}
		}
		if p.Percent > 0 {
			allZero = false
		}
	}
	switch {
	case allDone:
		return StatusCompleted
	case late:
		return StatusOverdue
	case allZero:
		return StatusNotStarted
	default:
		return StatusInProgress
	}
}

// Decorate fills the derived fields of a plan.
func (p *Plan) Decorate(rates map[int]float64, today Date) {
	for i := range p.Processes {
		if proc, ok := LookupProcess(p.Processes[i].No); ok {
			p.Processes[i].Name = proc.Name
		}
		if p.Processes[i].Files == nil {
			p.Processes[i].Files = []ProcessFile{}
		}
	}
	p.OverallPercent = OverallPercent(p.Processes, rates)
	p.Status = DeriveStatus(p.Processes, today)
}

// Proof counts the stored proof files of one process.
type Proof struct {
	Documentation int
	A3            int
}

func (p Proof) Sufficient() bool { return p.Documentation > 0 && p.A3 > 0 }

// ApplyProcessChange validates ch against the plan's current processes and
// returns the updated process. procs must hold all processes ordered by No.
func ApplyProcessChange(procs []PlanProcess, no int, ch ProcessChange, proof Proof, now time.Time) (PlanProcess, error) {
	if no < 1 || no > len(procs) {
		return PlanProcess{}, fmt.Errorf("%w: process %d", ErrNotFound, no)
	}
	cur := procs[no-1]

	if ch.Percent != nil {
		pct := *ch.Percent
		if pct < 0 || pct > 100 {
			return cur, invalidf("percent must be between 0 and 100")
		}
		switch {
		case pct == 100 && !cur.Complete():
			if !proof.Sufficient() {
				return cur, fmt.Errorf("%w: upload documentation and A3 files first", ErrProofMissing)
			}
			if no > 1 && !procs[no-2].Complete() {
				return cur, fmt.Errorf("%w: process %d must be completed first", ErrOutOfSequence, no-1)
			}
			t := now.UTC()
			cur.CompletedAt = &t
		case pct < 100 && cur.Complete():
			for _, later := range procs[no:] {
				if later.Complete() {
					return cur, fmt.Errorf("%w: process %d is already completed", ErrOutOfSequence, later.No)
				}
			}
			cur.CompletedAt = nil
		}
		cur.Percent = pct
	}

	if ch.Deadline != nil {
		if ch.Deadline.IsZero() {
			return cur, invalidf("deadline must be a date")
		}
		cur.Deadline = *ch.Deadline
	}
	if ch.Responsible != nil {
		r := strings.TrimSpace(*ch.Responsible)
		if len(r) > 32 {
			return cur, invalidf("responsible must be at most 32 characters")
		}
		cur.Responsible = r
	}
	if ch.Note != nil {
		cur.Note = strings.TrimSpace(*ch.Note)
	}
	return cur, nil
}

// ValidateRates requires one non-negative rate per process, summing to 100.
func ValidateRates(rates map[int]float64) error {
	if len(rates) != ProcessCount {
		return invalidf("exactly %d rates are required", ProcessCount)
	}
	var sum float64
	for no, r := range rates {
		if _, ok := LookupProcess(no); !ok {
			return invalidf("unknown process %d", no)
		}
		if r < 0 || math.IsNaN(r) {
			return invalidf("rate for process %d must not be negative", no)
		}
		sum += r
	}
	if math.Abs(sum-100) > 0.001 {
		return invalidf("rates must sum to 100 (got %.2f)", sum)
	}
	return nil
}
