package pipeline

import "unicode/utf8"

const defaultCharsPerToken = 4

// Estimator approximates how many model tokens a text span costs. Results
// must be stable for identical input and never decrease as text grows.
type Estimator interface {
	EstimateTokens(text string) int
}

// CharEstimator charges one token per CharsPerToken runes, rounded up.
type CharEstimator struct {
	CharsPerToken int
}

func (e CharEstimator) EstimateTokens(text string) int {
	per := e.CharsPerToken
	if per <= 0 {
		per = defaultCharsPerToken
	}
	n := utf8.RuneCountInString(text)
	return (n + per - 1) / per
}

var defaultEstimator = CharEstimator{CharsPerToken: defaultCharsPerToken}

// EstimateTokens uses the default four-runes-per-token heuristic.
func EstimateTokens(text string) int {
	return defaultEstimator.EstimateTokens(text)
}

// EstimateMessages sums the estimate over every message content.
func EstimateMessages(est Estimator, messages []Message) int {
	total := 0
	for _, m := range messages {
		total += est.EstimateTokens(m.Content)
	}
	return total
}
