package scans

// Score weights per severity bucket.
const (
	weightHigh   = 10
	weightMedium = 5
	weightLow    = 2
	maxScore     = 100
)

// ScoreCounts = max(0, 100 - (10*high + 5*medium + 2*low))
func ScoreCounts(c SeverityCounts) int {
	s := maxScore - (weightHigh*c.High + weightMedium*c.Medium + weightLow*c.Low)
	if s < 0 {
		return 0
	}
	return s
}

// Score aggregates every step that produced a result into one number.
func Score(steps []StepRecord) (int, SeverityCounts) {
	var total SeverityCounts
	for _, st := range steps {
		if len(st.Result) == 0 {
			continue
		}
		total.Add(CountSeverities(NormalizeFindings(st.Name, st.Result)))
	}
	return ScoreCounts(total), total
}
