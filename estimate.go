package creditgate

// EstimateTokens provides a rough token count for a text when the provider
// does not report usage. Uses the approximation: ~4 chars per token.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(len(text)) / 4
	if n == 0 {
		n = 1
	}
	return n
}
