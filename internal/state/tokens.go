package state

// DefaultContextCeiling is the collaborator's context window in tokens, used
// when the config does not override it.
const DefaultContextCeiling = 128000

// RecordUsage adds the tokens consumed by one turn to the running total and
// returns the new aggregate. The counter never decreases; negative reports
// from the collaborator are treated as zero.
func RecordUsage(current Aggregate, tokensThisTurn int) Aggregate {
	next := current.Clone()
	if tokensThisTurn > 0 {
		next.ContextTokensUsed += tokensThisTurn
	}
	return next
}

// Utilization returns the consumed fraction of the context window. The engine
// only reports this value; it does not truncate or summarize history as the
// ceiling approaches.
func Utilization(a Aggregate, ceiling int) float64 {
	if ceiling <= 0 {
		ceiling = DefaultContextCeiling
	}
	return float64(a.ContextTokensUsed) / float64(ceiling)
}
