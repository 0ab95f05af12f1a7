package models

// Counters are the per-category tallies kept by batch workflows.
type Counters struct {
	Imported int `json:"imported"`
	Enriched int `json:"enriched"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Errored  int `json:"errored"`
}

// Add returns the element-wise sum.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Imported: c.Imported + o.Imported,
		Enriched: c.Enriched + o.Enriched,
		Updated:  c.Updated + o.Updated,
		Skipped:  c.Skipped + o.Skipped,
		Errored:  c.Errored + o.Errored,
	}
}

// Progress is the externally visible state of a long-running job.
type Progress struct {
	Phase    string   `json:"phase,omitempty"`
	Cursor   int      `json:"cursor"`
	Current  int      `json:"current"`
	Total    *int     `json:"total,omitempty"`
	Label    string   `json:"label,omitempty"`
	Counters Counters `json:"counters"`
}
