package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/bit2swaz/meshsync/internal/negotiator"
	"github.com/bit2swaz/meshsync/internal/rendezvous"
)

func TestLivePeersFollowSessions(t *testing.T) {
	c := NewCollector("meshsync")

	c.SessionOpened(negotiator.RoleHost)
	c.SessionOpened(negotiator.RoleJoiner)
	c.SessionEnded(negotiator.RoleHost, negotiator.StateClosed, true)
	c.SessionEnded(negotiator.RoleJoiner, negotiator.StateFailed, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.LivePeers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Sessions.WithLabelValues("joiner", "FAILED")))
}

func TestCountersAndHandler(t *testing.T) {
	c := NewCollector("meshsync")
	c.OpApplied("remote")
	c.OpDiscarded("remote")
	c.RendezvousLookup(rendezvous.KindOffer, false)
	c.SetItems(3, 1)
	c.ObserveHTTP("GET", "/api/items", 200, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Lookups.WithLabelValues("offer", "false")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Items.WithLabelValues("live")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "meshsync_ops_applied_total")
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := NewCollector("meshsync"), NewCollector("meshsync")
	a.SessionOpened(negotiator.RoleHost)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.LivePeers))
}
