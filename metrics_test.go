package entstore

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_SessionReports(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	s := newTestSession(t, WithMetrics(metrics))
	repo, err := NewRepository[customer](s)
	require.NoError(t, err)

	require.NoError(t, repo.Add(&customer{Name: "a"}))
	require.NoError(t, repo.Add(&customer{Name: "b"}))

	_, err = repo.All().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queries.WithLabelValues("customer", "memory")))

	require.NoError(t, repo.SaveChanges(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.saves))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.saveErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.synchronized))

	_, err = repo.All().ToList(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queries.WithLabelValues("customer", "store")))

	labels, err := NewRepository[label](s)
	require.NoError(t, err)
	require.NoError(t, labels.Add(&label{Code: "x"}))
	require.NoError(t, labels.Add(&label{Code: "x"}))
	require.Error(t, labels.SaveChanges(ctx))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.saves))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.saveErrors))

	assert.Equal(t, 1, testutil.CollectAndCount(metrics.saveDuration))

	n, err := testutil.GatherAndCount(reg, "entstore_saves_total", "entstore_queries_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNewMetrics_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err, "collectors are already registered")

	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeQuery("customer", true)
		m.observeSynchronized(3)
	})
}
