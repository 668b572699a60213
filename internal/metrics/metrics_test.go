package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utkarshayachit/simplified-batch/internal/session"
)

func TestTransitionsTrackLiveSessions(t *testing.T) {
	m := New()
	h := &session.Handle{JobID: "trame-1", Created: time.Now().Add(-3 * time.Second)}

	m.Transition(h, session.Change{To: session.StateSubmitted})
	m.Transition(h, session.Change{From: session.StateSubmitted, To: session.StateNodeAssigning})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.live))

	m.Transition(h, session.Change{From: session.StateNodeAssigning, To: session.StateNodeAssigned})
	m.Transition(h, session.Change{From: session.StateNodeAssigned, To: session.StateServerReady})
	assert.Equal(t, 1, testutil.CollectAndCount(m.readyLatency))

	m.Transition(h, session.Change{From: session.StateServerReady, To: session.StateTerminating})
	m.Transition(h, session.Change{From: session.StateTerminating, To: session.StateTerminated})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.live))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("none", "Submitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("Terminating", "Terminated")))
}

func TestFailedSubmitDoesNotCountAsLive(t *testing.T) {
	m := New()
	m.Transition(&session.Handle{}, session.Change{To: session.StateFailed})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.live))
}

func TestProxyOutcomes(t *testing.T) {
	m := New()
	m.ObserveProxy("forwarded")
	m.ObserveProxy("forwarded")
	m.ObserveProxy("bad_route")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.proxied.WithLabelValues("forwarded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.proxied.WithLabelValues("bad_route")))
}

func TestHandlerExposesPortGauges(t *testing.T) {
	m := New()
	inUse := 3
	m.TrackPorts(func() int { return inUse }, 1000)
	m.ObservePortExhausted()
	m.ObserveRequest(http.MethodPost, "/job", http.StatusOK, 20*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	for _, want := range []string{
		"batch_gateway_ports_in_use 3",
		"batch_gateway_ports_total 1000",
		"batch_gateway_port_pool_exhausted_total 1",
		`batch_gateway_http_request_duration_seconds_count{method="POST",route="/job",status="200"} 1`,
	} {
		assert.Contains(t, string(body), want)
	}
}
