package aggregator

import (
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Reduce applies a closed-set aggregation strategy over replica results in
// replica order. Numeric strategies skip non-numeric values with a warning;
// an unknown strategy is the caller's job to normalize to list beforehand.
func Reduce(strategy models.AggregationStrategy, values []any) any {
	switch strategy {
	case models.AggregateLast:
		if len(values) == 0 {
			return nil
		}
		return values[len(values)-1]
	case models.AggregateMean:
		nums := numericValues(strategy, values)
		if len(nums) == 0 {
			return nil
		}
		var sum float64
		for _, n := range nums {
			sum += n
		}
		return sum / float64(len(nums))
	case models.AggregateSum:
		var sum float64
		for _, n := range numericValues(strategy, values) {
			sum += n
		}
		return sum
	case models.AggregateMin:
		return extremum(strategy, values, func(a, b float64) bool { return a < b })
	case models.AggregateMax:
		return extremum(strategy, values, func(a, b float64) bool { return a > b })
	case models.AggregateMajority:
		return majority(values)
	default:
		return values
	}
}

func extremum(strategy models.AggregationStrategy, values []any, better func(a, b float64) bool) any {
	nums := numericValues(strategy, values)
	if len(nums) == 0 {
		return nil
	}
	best := nums[0]
	for _, n := range nums[1:] {
		if better(n, best) {
			best = n
		}
	}
	return best
}

// majority returns the most frequent value by its printed form; ties go to
// the earliest replica.
func majority(values []any) any {
	if len(values) == 0 {
		return nil
	}
	counts := make(map[string]int, len(values))
	first := make(map[string]any, len(values))
	order := make([]string, 0, len(values))
	for _, v := range values {
		key := fmt.Sprintf("%v", v)
		if counts[key] == 0 {
			first[key] = v
			order = append(order, key)
		}
		counts[key]++
	}
	var bestKey string
	bestCount := -1
	for _, key := range order {
		if counts[key] > bestCount {
			bestKey, bestCount = key, counts[key]
		}
	}
	return first[bestKey]
}

func numericValues(strategy models.AggregationStrategy, values []any) []float64 {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if n, ok := asFloat(v); ok {
			nums = append(nums, n)
			continue
		}
		slog.Warn("Ignoring non-numeric replica result",
			"strategy", string(strategy), "value", fmt.Sprintf("%v", v))
	}
	return nums
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
