package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arataga-proxy/arataga/internal/aclconn"
	"github.com/arataga-proxy/arataga/internal/dnsresolver"
)

func TestConnectionLifecycleMetrics(t *testing.T) {
	c := New()
	c.ConnectionAccepted()
	c.ConnectionAccepted()
	c.ConnectionClosed(aclconn.NormalCompletion)

	if got := testutil.ToFloat64(c.connectionsAccepted); got != 2 {
		t.Fatalf("connections_accepted_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.connectionsClosed.WithLabelValues("normal_completion")); got != 1 {
		t.Fatalf("connections_closed_total{reason=normal_completion} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.connectionsActive); got != 1 {
		t.Fatalf("connections_active = %v, want 1 (2 accepted - 1 closed)", got)
	}
}

func TestBytesTransferredByDirection(t *testing.T) {
	c := New()
	c.BytesToUser(100)
	c.BytesToTarget(7)

	if got := testutil.ToFloat64(c.bytesTransferred.WithLabelValues("to_user")); got != 100 {
		t.Fatalf("to_user bytes = %v, want 100", got)
	}
	if got := testutil.ToFloat64(c.bytesTransferred.WithLabelValues("to_target")); got != 7 {
		t.Fatalf("to_target bytes = %v, want 7", got)
	}
}

func TestObserveDNS(t *testing.T) {
	c := New()
	c.ObserveDNS(dnsresolver.Stats{Hits: 3, Misses: 1, Coalesced: 2, Failures: 1, CacheSize: 5})

	if got := testutil.ToFloat64(c.dnsCacheHits); got != 3 {
		t.Fatalf("cache hits = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.dnsCacheSize); got != 5 {
		t.Fatalf("cache size = %v, want 5", got)
	}
}

func TestObserveBandwidth(t *testing.T) {
	c := New()
	c.ObserveBandwidth(4)
	if got := testutil.ToFloat64(c.bandwidthActiveUsers); got != 4 {
		t.Fatalf("active users = %v, want 4", got)
	}
}

func TestRegistryGather(t *testing.T) {
	c := New()
	mf, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mf) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}
