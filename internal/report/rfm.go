package report

import (
	"sort"
	"time"

	"github.com/montanaflynn/stats"
)

// RFMScore is the recency, frequency and monetary profile of one customer.
// Scores run 1 (worst) to 5 (best) by quintile across all customers.
type RFMScore struct {
	Customer       string  `json:"customer"`
	RecencyDays    int     `json:"recency_days"`
	Frequency      int     `json:"frequency"`
	Monetary       float64 `json:"monetary"`
	RecencyScore   int     `json:"r"`
	FrequencyScore int     `json:"f"`
	MonetaryScore  int     `json:"m"`
	Segment        string  `json:"segment"`
}

// RFM scores every customer as of asOf.
func RFM(customers []CustomerStat, asOf time.Time) ([]RFMScore, error) {
	if len(customers) == 0 {
		return []RFMScore{}, nil
	}
	out := make([]RFMScore, len(customers))
	recency := make(stats.Float64Data, len(customers))
	frequency := make(stats.Float64Data, len(customers))
	monetary := make(stats.Float64Data, len(customers))
	for i, c := range customers {
		days := int(asOf.Sub(c.LastOrder).Hours() / 24)
		if days < 0 {
			days = 0
		}
		out[i] = RFMScore{
			Customer:    c.Customer,
			RecencyDays: days,
			Frequency:   c.Orders,
			Monetary:    c.TotalSpent.InexactFloat64(),
		}
		recency[i] = float64(days)
		frequency[i] = float64(c.Orders)
		monetary[i] = out[i].Monetary
	}
	rCuts, err := quintiles(recency)
	if err != nil {
		return nil, err
	}
	fCuts, err := quintiles(frequency)
	if err != nil {
		return nil, err
	}
	mCuts, err := quintiles(monetary)
	if err != nil {
		return nil, err
	}
	for i := range out {
		// fewer days since the last order is better
		out[i].RecencyScore = 6 - score(recency[i], rCuts)
		out[i].FrequencyScore = score(frequency[i], fCuts)
		out[i].MonetaryScore = score(monetary[i], mCuts)
		out[i].Segment = segment(out[i].RecencyScore, out[i].FrequencyScore)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si := out[i].RecencyScore + out[i].FrequencyScore + out[i].MonetaryScore
		sj := out[j].RecencyScore + out[j].FrequencyScore + out[j].MonetaryScore
		if si != sj {
			return si > sj
		}
		return out[i].Customer < out[j].Customer
	})
	return out, nil
}

func quintiles(data stats.Float64Data) ([4]float64, error) {
	var cuts [4]float64
	for i, p := range []float64{20, 40, 60, 80} {
		v, err := stats.PercentileNearestRank(data, p)
		if err != nil {
			return cuts, err
		}
		cuts[i] = v
	}
	return cuts, nil
}

// score returns 1 plus the number of cut points strictly below v.
func score(v float64, cuts [4]float64) int {
	s := 1
	for _, c := range cuts {
		if v > c {
			s++
		}
	}
	return s
}

func segment(r, f int) string {
	switch {
	case r >= 4 && f >= 4:
		return "champions"
	case r >= 3 && f >= 3:
		return "loyal"
	case r >= 4:
		return "new"
	case r <= 2 && f >= 3:
		return "at_risk"
	case r <= 2:
		return "hibernating"
	default:
		return "needs_attention"
	}
}
