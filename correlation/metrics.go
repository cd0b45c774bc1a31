package correlation

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var (
	mCandidates = stats.Int64("correlation/candidates", "candidate couples fetched per cycle", stats.UnitDimensionless)
	mMatched    = stats.Int64("correlation/matched", "couples matched and submitted per cycle", stats.UnitDimensionless)
	mLostRaces  = stats.Int64("correlation/lost_races", "couples skipped because another node won the flag", stats.UnitDimensionless)
)

// Views exports the correlation cycle measures for registration by the agent.
func Views() []*view.View {
	return []*view.View{
		{
			Name:        "correlation/candidates",
			Description: "candidate couples fetched",
			Measure:     mCandidates,
			Aggregation: view.Sum(),
		},
		{
			Name:        "correlation/matched",
			Description: "couples matched and submitted",
			Measure:     mMatched,
			Aggregation: view.Sum(),
		},
		{
			Name:        "correlation/lost_races",
			Description: "couples lost to concurrent correlation",
			Measure:     mLostRaces,
			Aggregation: view.Sum(),
		},
	}
}
