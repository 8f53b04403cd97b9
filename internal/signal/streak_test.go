package signal

import "testing"

func TestStreakSequence(t *testing.T) {
	var st StreakTracker

	st.RecordOutcome(OutcomeTP)
	st.RecordOutcome(OutcomeTP)
	st.RecordOutcome(OutcomeSL)

	if st.CurrentStreak != -1 {
		t.Errorf("streak = %d, want -1 after TP,TP,SL", st.CurrentStreak)
	}
	if st.TotalWins != 2 || st.TotalLosses != 1 {
		t.Errorf("wins/losses = %d/%d, want 2/1", st.TotalWins, st.TotalLosses)
	}
}

func TestStreakWinAfterLossesResets(t *testing.T) {
	var st StreakTracker

	st.RecordOutcome(OutcomeSL)
	st.RecordOutcome(OutcomeSL)
	if st.CurrentStreak != -2 {
		t.Fatalf("streak = %d, want -2", st.CurrentStreak)
	}

	st.RecordOutcome(OutcomeTP)
	if st.CurrentStreak != 1 {
		t.Errorf("streak = %d, want 1 after a win breaks the losing run", st.CurrentStreak)
	}
}

func TestStreakIgnoresActive(t *testing.T) {
	st := StreakTracker{CurrentStreak: 3, TotalWins: 3}
	st.RecordOutcome(OutcomeActive)

	if st.CurrentStreak != 3 || st.TotalWins != 3 || st.TotalLosses != 0 {
		t.Error("timeout release must not touch the streak")
	}
}

func TestWinRate(t *testing.T) {
	var st StreakTracker
	if st.WinRate() != 0 {
		t.Error("win rate before any resolution should be 0")
	}

	st.RecordOutcome(OutcomeTP)
	st.RecordOutcome(OutcomeTP)
	st.RecordOutcome(OutcomeTP)
	st.RecordOutcome(OutcomeSL)
	if st.WinRate() != 0.75 {
		t.Errorf("win rate = %f, want 0.75", st.WinRate())
	}
}
