package report

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-billing/internal/bill"
)

// MinForecastDays is the number of distinct sales days required beyond which
// a forecast is produced.
const MinForecastDays = 5

// ErrInsufficientData is returned when there are too few sales days to fit.
var ErrInsufficientData = errors.New("report: not enough daily sales to forecast")

// DailyRevenue is revenue on one calendar day.
type DailyRevenue struct {
	Date    string  `json:"date"`
	Revenue float64 `json:"revenue"`
}

// Forecast is a linear trend fitted over daily revenue.
type Forecast struct {
	History   []DailyRevenue `json:"history"`
	Projected []DailyRevenue `json:"projected"`
	Slope     float64        `json:"slope"`
	Intercept float64        `json:"intercept"`
	R2        float64        `json:"r2"`
	Trend     string         `json:"trend"`
}

// DailySeries sums grand totals per stored calendar day, oldest first.
func DailySeries(records []bill.Record) []DailyRevenue {
	acc := map[string]decimal.Decimal{}
	for _, r := range records {
		key := r.CreatedAt.Format("2006-01-02")
		acc[key] = acc[key].Add(r.Totals.GrandTotal)
	}
	out := make([]DailyRevenue, 0, len(acc))
	for day, total := range acc {
		out = append(out, DailyRevenue{Date: day, Revenue: total.InexactFloat64()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// BuildForecast fits revenue against the day index and projects the next
// days after the last sales day.
func BuildForecast(records []bill.Record, days int) (Forecast, error) {
	if days <= 0 {
		days = 7
	}
	history := DailySeries(records)
	if len(history) <= MinForecastDays {
		return Forecast{History: history}, fmt.Errorf("%w: have %d days, need more than %d", ErrInsufficientData, len(history), MinForecastDays)
	}
	series := make(stats.Series, len(history))
	for i, d := range history {
		series[i] = stats.Coordinate{X: float64(i), Y: d.Revenue}
	}
	fitted, err := stats.LinearRegression(series)
	if err != nil {
		return Forecast{}, fmt.Errorf("fit daily revenue: %w", err)
	}
	first, last := fitted[0], fitted[len(fitted)-1]
	slope := (last.Y - first.Y) / (last.X - first.X)
	intercept := first.Y - slope*first.X

	lastDay, err := time.Parse("2006-01-02", history[len(history)-1].Date)
	if err != nil {
		return Forecast{}, err
	}
	projected := make([]DailyRevenue, days)
	for i := 0; i < days; i++ {
		x := float64(len(history) + i)
		projected[i] = DailyRevenue{
			Date:    lastDay.AddDate(0, 0, i+1).Format("2006-01-02"),
			Revenue: math.Max(0, round2(intercept+slope*x)),
		}
	}
	return Forecast{
		History:   history,
		Projected: projected,
		Slope:     slope,
		Intercept: intercept,
		R2:        rSquared(series, fitted),
		Trend:     trend(slope),
	}, nil
}

const epsilon = 1e-9

func rSquared(actual, fitted stats.Series) float64 {
	ys := make(stats.Float64Data, len(actual))
	for i, c := range actual {
		ys[i] = c.Y
	}
	mean, err := stats.Mean(ys)
	if err != nil {
		return 0
	}
	var ssRes, ssTot float64
	for i := range actual {
		ssRes += math.Pow(actual[i].Y-fitted[i].Y, 2)
		ssTot += math.Pow(actual[i].Y-mean, 2)
	}
	if ssTot < epsilon {
		if ssRes < epsilon {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

func trend(slope float64) string {
	switch {
	case slope > 0.005:
		return "increasing"
	case slope < -0.005:
		return "decreasing"
	default:
		return "flat"
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
