package metrics

import (
	"math"
	"sort"
)

func Accuracy(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

func MeanSquaredError(predicted, actual []float64) float64 {
	if len(predicted) == 0 || len(predicted) != len(actual) {
		return 0
	}
	sum := 0.0
	for i := range predicted {
		diff := predicted[i] - actual[i]
		sum += diff * diff
	}
	return sum / float64(len(predicted))
}

func RootMeanSquaredError(predicted, actual []float64) float64 {
	return math.Sqrt(MeanSquaredError(predicted, actual))
}

// PrecisionRecallF1 computes the three positive-class rates from confusion
// counts. A zero denominator yields 0 for that rate.
func PrecisionRecallF1(truePositive, falsePositive, falseNegative int) (precision, recall, f1 float64) {
	if truePositive+falsePositive > 0 {
		precision = float64(truePositive) / float64(truePositive+falsePositive)
	}
	if truePositive+falseNegative > 0 {
		recall = float64(truePositive) / float64(truePositive+falseNegative)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return precision, recall, f1
}

// AUCROC computes the area under the ROC curve as the Mann-Whitney rank
// statistic, averaging ranks across tied scores. It reports false when the
// window holds only one class, where the statistic is undefined.
func AUCROC(scores []float64, positive []bool) (float64, bool) {
	if len(scores) == 0 || len(scores) != len(positive) {
		return 0, false
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return scores[order[a]] < scores[order[b]]
	})
	ranks := make([]float64, len(scores))
	for i := 0; i < len(order); {
		j := i
		for j+1 < len(order) && scores[order[j+1]] == scores[order[i]] {
			j++
		}
		// ranks are 1-based; tied scores share the average rank
		avg := float64(i+j+2) / 2
		for k := i; k <= j; k++ {
			ranks[order[k]] = avg
		}
		i = j + 1
	}
	positives := 0
	negatives := 0
	rankSum := 0.0
	for i, isPos := range positive {
		if isPos {
			positives++
			rankSum += ranks[i]
		} else {
			negatives++
		}
	}
	if positives == 0 || negatives == 0 {
		return 0, false
	}
	auc := (rankSum - float64(positives)*float64(positives+1)/2) / (float64(positives) * float64(negatives))
	return auc, true
}
