package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	snap Snapshot
}

func (f *fakeSource) MetricsSnapshot() Snapshot { return f.snap }

func TestNew_IndependentRegistries(t *testing.T) {
	a := New("a")
	b := New("b")

	a.BytesStored.Add(10)
	assert.Equal(t, float64(10), testutil.ToFloat64(a.BytesStored))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.BytesStored))
}

func TestCollector_AppliesDeltas(t *testing.T) {
	m := New("local")
	src := &fakeSource{snap: Snapshot{
		BytesStored:    100,
		ReplicationOps: 3,
		Records:        1,
		NodesByState:   map[string]int{"online": 2, "offline": 1},
		NodeUsage:      map[string]float64{"a": 0.25},
	}}
	c := NewCollector(m, src)

	c.Collect()
	c.Collect()
	assert.Equal(t, float64(100), testutil.ToFloat64(m.BytesStored))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ReplicationOps))

	src.snap.BytesStored = 150
	src.snap.FailedOps = 2
	src.snap.Records = 4
	src.snap.NodesByState = map[string]int{"online": 3}
	c.Collect()

	assert.Equal(t, float64(150), testutil.ToFloat64(m.BytesStored))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.FailedOps))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.Records))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Nodes.WithLabelValues("online")))
	assert.Equal(t, float64(25), testutil.ToFloat64(m.NodeUsedPct.WithLabelValues("a")))
}

func TestHandler(t *testing.T) {
	m := New("local")
	m.BytesStored.Add(42)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `objectmesh_bytes_stored_total{node="local"} 42`)
	assert.Contains(t, string(body), "go_goroutines")
}
