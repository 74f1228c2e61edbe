package planning

// ProcessCount is the fixed number of processes in every change-over plan.
const ProcessCount = 8

// Process describes one step of the change-over sequence.
type Process struct {
	No          int     `json:"no"`
	Key         string  `json:"key"`
	Name        string  `json:"name"`
	OffsetDays  int     `json:"offset_days"`
	DefaultRate float64 `json:"default_rate"`
}

// Catalogue is ordered by No; index i holds process i+1.
var Catalogue = [ProcessCount]Process{
	{No: 1, Key: "pre_production_meeting", Name: "Pre-production meeting", OffsetDays: -14, DefaultRate: 10},
	{No: 2, Key: "style_analysis", Name: "Style analysis", OffsetDays: -12, DefaultRate: 15},
	{No: 3, Key: "line_layout", Name: "Line layout", OffsetDays: -10, DefaultRate: 15},
	{No: 4, Key: "machine_preparation", Name: "Machine preparation", OffsetDays: -7, DefaultRate: 15},
	{No: 5, Key: "material_preparation", Name: "Material preparation", OffsetDays: -5, DefaultRate: 10},
	{No: 6, Key: "operator_training", Name: "Operator training", OffsetDays: -3, DefaultRate: 10},
	{No: 7, Key: "pilot_run", Name: "Pilot run", OffsetDays: -1, DefaultRate: 15},
	{No: 8, Key: "output_review", Name: "Output review", OffsetDays: 3, DefaultRate: 10},
}

// LookupProcess returns the catalogue entry for no.
func LookupProcess(no int) (Process, bool) {
	if no < 1 || no > ProcessCount {
		return Process{}, false
	}
	return Catalogue[no-1], true
}

// DefaultRates returns the catalogue weights keyed by process number.
func DefaultRates() map[int]float64 {
	rates := make(map[int]float64, ProcessCount)
	for _, p := range Catalogue {
		rates[p.No] = p.DefaultRate
	}
	return rates
}
