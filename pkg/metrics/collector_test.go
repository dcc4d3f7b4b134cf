package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestCollectorRefreshesLabGauges(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	labs := []*types.Lab{
		{ID: "11111111-1111-4111-8111-111111111111", OwnerID: "u1", Status: types.LabStatusReady, Runtime: types.RuntimeContainer},
		{ID: "22222222-2222-4222-8222-222222222222", OwnerID: "u1", Status: types.LabStatusReady, Runtime: types.RuntimeContainer},
		{ID: "33333333-3333-4333-8333-333333333333", OwnerID: "u2", Status: types.LabStatusFinished, Runtime: types.RuntimeMicroVM},
	}
	for _, lab := range labs {
		require.NoError(t, store.CreateLab(lab))
	}
	require.NoError(t, store.ReservePort(42001, labs[0].ID, "u1"))

	c := NewCollector(store)
	c.Collect()

	assert.Equal(t, 2.0, gaugeValue(t, LabsTotal.WithLabelValues("ready", "container")))
	assert.Equal(t, 1.0, gaugeValue(t, LabsTotal.WithLabelValues("finished", "microvm")))
	assert.Equal(t, 2.0, gaugeValue(t, LabsActive))
	assert.Equal(t, 1.0, gaugeValue(t, PortsReserved))

	// A finished lab drops out of the active gauge on the next refresh.
	_, err = store.MutateLab(labs[0].ID, func(l *types.Lab) error {
		l.Status = types.LabStatusFinished
		return nil
	})
	require.NoError(t, err)
	c.Collect()
	assert.Equal(t, 1.0, gaugeValue(t, LabsActive))
	assert.Equal(t, 1.0, gaugeValue(t, LabsTotal.WithLabelValues("ready", "container")))
}
