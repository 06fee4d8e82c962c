package learner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testObservation() Observation {
	return Observation{
		BatterySOC:    55,
		PriceEUR:      0.22,
		P30:           0.15,
		P60:           0.25,
		P80:           0.32,
		Hour:          9,
		PercentilesOK: true,
	}
}

func TestShadowNeverApplies(t *testing.T) {
	a := New("", ModeShadow)
	for i := 0; i < 50; i++ {
		adv := a.Advise(context.Background(), testObservation())
		assert.False(t, adv.Applied)
	}
}

func TestAdvisoryApplies(t *testing.T) {
	a := New("", ModeAdvisory)
	adv := a.Advise(context.Background(), testObservation())
	assert.True(t, adv.Applied)
}

func TestDisabledReturnsZeroAdvice(t *testing.T) {
	a := New("", ModeDisabled)
	adv := a.Advise(context.Background(), testObservation())
	assert.Equal(t, Advice{}, adv)
}

func TestRewardMovesValue(t *testing.T) {
	a := New("", ModeShadow)
	adv := a.Advise(context.Background(), testObservation())

	// actual cheaper than planned is a positive reward
	a.Reward(adv, 0.10, 0.05)

	q := a.st.Q[adv.key]
	require.NotNil(t, q)
	assert.Greater(t, q[adv.idx], 0.0)
}

func TestRewardIgnoresEmptyAdvice(t *testing.T) {
	a := New("", ModeShadow)
	a.Reward(Advice{}, 0.10, 0.05)
	assert.Zero(t, a.st.Rewarded)
}

func TestPromotionRequiresShadowPeriod(t *testing.T) {
	a := New("", ModeShadow)
	adv := a.Advise(context.Background(), testObservation())
	a.Reward(adv, 0.10, 0.05)

	assert.False(t, a.PromoteIfReady(context.Background(), time.Now().UTC()))
	assert.Equal(t, ModeShadow, a.Mode())
}

// seedNeutral biases the table towards the zero-delta action so the greedy
// policy keeps the average delta small during the audit.
func seedNeutral(a *Agent) {
	q := make([]float64, numActions())
	for i := 0; i < numActions(); i++ {
		if actionAt(i) == (Action{}) {
			q[i] = 1.0
		}
	}
	a.st.Q[testObservation().key()] = q
}

func TestPromotionAfterAudit(t *testing.T) {
	a := New("", ModeShadow)
	a.st.ShadowSince = time.Now().UTC().Add(-31 * 24 * time.Hour)
	seedNeutral(a)

	for i := 0; i < 100; i++ {
		adv := a.Advise(context.Background(), testObservation())
		// consistent small wins
		a.Reward(adv, 0.10, 0.08)
	}

	assert.True(t, a.PromoteIfReady(context.Background(), time.Now().UTC()))
	assert.Equal(t, ModeAdvisory, a.Mode())
}

func TestPromotionFailsOnLowWinRate(t *testing.T) {
	a := New("", ModeShadow)
	a.st.ShadowSince = time.Now().UTC().Add(-31 * 24 * time.Hour)

	for i := 0; i < 100; i++ {
		adv := a.Advise(context.Background(), testObservation())
		// actual consistently worse than planned
		a.Reward(adv, 0.10, 0.15)
	}

	assert.False(t, a.PromoteIfReady(context.Background(), time.Now().UTC()))
	assert.Equal(t, ModeShadow, a.Mode())
}

func TestPersistedPromotionSticks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learner.json")

	a := New(path, ModeShadow)
	a.st.ShadowSince = time.Now().UTC().Add(-31 * 24 * time.Hour)
	seedNeutral(a)
	for i := 0; i < 100; i++ {
		adv := a.Advise(context.Background(), testObservation())
		a.Reward(adv, 0.10, 0.08)
	}
	require.True(t, a.PromoteIfReady(context.Background(), time.Now().UTC()))

	// a restart with the settings still saying shadow keeps the promotion
	loaded := New(path, ModeShadow)
	assert.Equal(t, ModeAdvisory, loaded.Mode())
}

func TestActionSetSymmetric(t *testing.T) {
	seen := map[Action]bool{}
	for i := 0; i < numActions(); i++ {
		seen[actionAt(i)] = true
	}
	assert.Len(t, seen, 25)
	assert.Contains(t, seen, Action{BatDeltaCt: 0, EVDeltaCt: 0})
	assert.Contains(t, seen, Action{BatDeltaCt: -2, EVDeltaCt: 2})
}
