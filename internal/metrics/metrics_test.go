package metrics

import (
	"errors"
	"fmt"
	"testing"

	"field-access-control/internal/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "Revoked", Outcome(fmt.Errorf("heartbeat: %w", domain.ErrRevoked)))
	assert.Equal(t, "error", Outcome(errors.New("disk on fire")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(PushDeliveries.WithLabelValues("failed"))
	PushDeliveries.WithLabelValues("failed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(PushDeliveries.WithLabelValues("failed")))
}
