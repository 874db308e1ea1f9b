package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetStateIsOneHot(t *testing.T) {
	all := []string{"WAITING_FOR_MARKET", "RUNNING", "STOPPED"}
	SetState("RUNNING", all)

	assert.Equal(t, 1.0, testutil.ToFloat64(State.WithLabelValues("RUNNING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(State.WithLabelValues("WAITING_FOR_MARKET")))
	assert.Equal(t, 0.0, testutil.ToFloat64(State.WithLabelValues("STOPPED")))

	SetState("STOPPED", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(State.WithLabelValues("RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(State.WithLabelValues("STOPPED")))
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(ProtectionOutcomes.WithLabelValues("PROTECTED"))
	ProtectionOutcomes.WithLabelValues("PROTECTED").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ProtectionOutcomes.WithLabelValues("PROTECTED")))
}
