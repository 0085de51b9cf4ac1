package authenticator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/arataga-proxy/arataga/internal/bandwidth"
)

func testAuth() *Authenticator {
	a := New(bandwidth.NewManager(bandwidth.Limits{ToTarget: bandwidth.Unlimited, ToUser: bandwidth.Unlimited}))
	a.Load(
		[]ByIPEntry{{InIP: "10.0.0.1", ClientIP: "192.168.1.5", InPort: 1080, User: UserRecord{UserID: "anon", SiteLimitsID: "default"}}},
		[]ByLoginEntry{{InIP: "10.0.0.1", Username: "alice", Password: "secret", InPort: 1080, User: UserRecord{UserID: "alice", SiteLimitsID: "strict"}}},
		map[string][]DomainLimit{
			"strict": {
				{Domain: "vk.com", Limits: bandwidth.Limits{ToTarget: 1000, ToUser: 1000}},
				{Domain: "api.vk.com", Limits: bandwidth.Limits{ToTarget: 100, ToUser: 100}},
			},
		},
	)
	a.SetDeniedPorts([]uint16{25}, [][2]uint16{{6000, 6100}})
	return a
}

func TestAuthenticateByIPSuccess(t *testing.T) {
	a := testAuth()
	res, err := a.Authenticate(context.Background(), Request{
		InIP: net.ParseIP("10.0.0.1"), InPort: 1080, ClientIP: net.ParseIP("192.168.1.5"),
		TargetHost: "example.com", TargetPort: 443,
	})
	if err != nil || !res.OK {
		t.Fatalf("Authenticate() = %+v, %v, want OK", res, err)
	}
	res.Handle.Close()
}

func TestAuthenticateUnknownUser(t *testing.T) {
	a := testAuth()
	a.SetFailedAuthDelay(0)
	res, err := a.Authenticate(context.Background(), Request{
		InIP: net.ParseIP("10.0.0.1"), InPort: 1080, ClientIP: net.ParseIP("9.9.9.9"),
		TargetHost: "example.com", TargetPort: 443,
	})
	if err != nil || res.OK || res.Failure != UnknownUser {
		t.Fatalf("Authenticate() = %+v, %v, want UnknownUser", res, err)
	}
}

func TestAuthenticateDeniedPort(t *testing.T) {
	a := testAuth()
	a.SetFailedAuthDelay(0)
	res, err := a.Authenticate(context.Background(), Request{
		InIP: net.ParseIP("10.0.0.1"), InPort: 1080, ClientIP: net.ParseIP("192.168.1.5"),
		TargetHost: "example.com", TargetPort: 25,
	})
	if err != nil || res.OK || res.Failure != TargetBlocked {
		t.Fatalf("Authenticate() = %+v, %v, want TargetBlocked", res, err)
	}

	res2, _ := a.Authenticate(context.Background(), Request{
		InIP: net.ParseIP("10.0.0.1"), InPort: 1080, ClientIP: net.ParseIP("192.168.1.5"),
		TargetHost: "example.com", TargetPort: 6050,
	})
	if res2.OK {
		t.Fatalf("port inside denied range should have been blocked")
	}
}

func TestLongestDotSuffixWins(t *testing.T) {
	a := testAuth()
	res, err := a.Authenticate(context.Background(), Request{
		InIP: net.ParseIP("10.0.0.1"), InPort: 1080, Username: "alice", Password: "secret",
		TargetHost: "v1.api.vk.com", TargetPort: 443,
	})
	if err != nil || !res.OK {
		t.Fatalf("Authenticate() = %+v, %v", res, err)
	}
	if res.MatchedDomain != "api.vk.com" {
		t.Fatalf("MatchedDomain = %q, want api.vk.com", res.MatchedDomain)
	}
	res.Handle.Close()
}

func TestDomainMatchCaseInsensitive(t *testing.T) {
	a := testAuth()
	res, err := a.Authenticate(context.Background(), Request{
		InIP: net.ParseIP("10.0.0.1"), InPort: 1080, Username: "alice", Password: "secret",
		TargetHost: "WWW.VK.COM", TargetPort: 443,
	})
	if err != nil || !res.OK {
		t.Fatalf("Authenticate() = %+v, %v", res, err)
	}
	if res.MatchedDomain != "vk.com" {
		t.Fatalf("MatchedDomain = %q, want vk.com (case-insensitive match)", res.MatchedDomain)
	}
	res.Handle.Close()
}

func TestFailedAuthDelayShapesLatency(t *testing.T) {
	a := testAuth()
	a.SetFailedAuthDelay(30 * time.Millisecond)
	start := time.Now()
	_, err := a.Authenticate(context.Background(), Request{
		InIP: net.ParseIP("10.0.0.1"), InPort: 1080, ClientIP: net.ParseIP("9.9.9.9"),
		TargetHost: "example.com", TargetPort: 443,
	})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("negative result returned before the configured delay elapsed")
	}
}

func TestFailedAuthDelayRespectsContextCancellation(t *testing.T) {
	a := testAuth()
	a.SetFailedAuthDelay(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Authenticate(ctx, Request{
		InIP: net.ParseIP("10.0.0.1"), InPort: 1080, ClientIP: net.ParseIP("9.9.9.9"),
		TargetHost: "example.com", TargetPort: 443,
	})
	if err == nil {
		t.Fatalf("expected context deadline error, got nil")
	}
}
