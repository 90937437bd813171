package varz_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/fiberio/varz"
)

func TestCountersAccumulate(t *testing.T) {
	r := varz.New()

	r.ParseErrors().Add(3)
	r.RequestsTotal().Inc()
	r.RequestsTotal().Inc()

	require.Equal(t, float64(3), testutil.ToFloat64(r.ParseErrors()))
	require.Equal(t, float64(2), testutil.ToFloat64(r.RequestsTotal()))
}

func TestGaugesSetAndReuse(t *testing.T) {
	r := varz.New()

	r.ReadyQueueDepth().Set(7)
	require.Equal(t, float64(7), testutil.ToFloat64(r.ReadyQueueDepth()))

	// Calling the accessor again must return the same registered metric,
	// not re-register (which would panic on a duplicate descriptor).
	r.ReadyQueueDepth().Set(2)
	require.Equal(t, float64(2), testutil.ToFloat64(r.ReadyQueueDepth()))

	r.URingInFlight().Set(12)
	require.Equal(t, float64(12), testutil.ToFloat64(r.URingInFlight()))
}

func TestGatherIncludesRegisteredMetrics(t *testing.T) {
	r := varz.New()
	r.RequestsTotal().Inc()

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	var found bool
	for _, f := range families {
		if f.GetName() == "fiberio_requests_total" {
			found = true
		}
	}
	require.True(t, found, "fiberio_requests_total not present in gathered families")
}
