package signal

// StreakTracker counts consecutive results per (symbol, timeframe).
// CurrentStreak is signed: positive runs of wins, negative runs of losses.
// A win after losses resets to +1, a loss after wins resets to -1.
type StreakTracker struct {
	CurrentStreak int `json:"current_streak"`
	TotalWins     int `json:"total_wins"`
	TotalLosses   int `json:"total_losses"`
}

// RecordOutcome folds one terminal outcome into the counters. Active
// (timeout) outcomes leave the tracker untouched.
func (s *StreakTracker) RecordOutcome(outcome Outcome) {
	switch outcome {
	case OutcomeTP:
		if s.CurrentStreak < 0 {
			s.CurrentStreak = 1
		} else {
			s.CurrentStreak++
		}
		s.TotalWins++
	case OutcomeSL:
		if s.CurrentStreak > 0 {
			s.CurrentStreak = -1
		} else {
			s.CurrentStreak--
		}
		s.TotalLosses++
	}
}

// WinRate returns wins / (wins + losses), or 0 before any resolution.
func (s *StreakTracker) WinRate() float64 {
	total := s.TotalWins + s.TotalLosses
	if total == 0 {
		return 0
	}
	return float64(s.TotalWins) / float64(total)
}
