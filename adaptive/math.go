package adaptive

import "math"

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// matVec computes m·v for m of shape [rows][len(v)].
func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i, row := range m {
		out[i] = dot(row, v)
	}
	return out
}

// axpy computes y += a*x.
func axpy(y []float64, a float64, x []float64) {
	if a == 0 {
		return
	}
	for i := range y {
		y[i] += a * x[i]
	}
}

func logSumExp(logits []float64) float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(l - maxLogit)
	}
	return maxLogit + math.Log(sum)
}

func softmax(logits []float64) []float64 {
	lse := logSumExp(logits)
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = math.Exp(l - lse)
	}
	return probs
}

func crossEntropy(logits []float64, target int) float64 {
	return logSumExp(logits) - logits[target]
}

func zeros(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}
