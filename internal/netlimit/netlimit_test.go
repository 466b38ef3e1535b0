package netlimit

import "testing"

func TestLimiterEnforcesPerIPCap(t *testing.T) {
	l := New(2, "")

	if !l.Allow("1.2.3.4") {
		t.Fatalf("first connection should be allowed")
	}
	if !l.Allow("1.2.3.4") {
		t.Fatalf("second connection should be allowed")
	}
	if l.Allow("1.2.3.4") {
		t.Fatalf("third connection should be rejected at limit 2")
	}

	l.Release("1.2.3.4")
	if !l.Allow("1.2.3.4") {
		t.Fatalf("connection should be allowed again after a release")
	}
}

func TestLimiterDefaultLimit(t *testing.T) {
	l := New(0, "")
	for i := 0; i < defaultIPLimit; i++ {
		if !l.Allow("9.9.9.9") {
			t.Fatalf("connection %d should be allowed under default limit %d", i, defaultIPLimit)
		}
	}
	if l.Allow("9.9.9.9") {
		t.Fatalf("connection beyond default limit should be rejected")
	}
}

func TestLimiterWildcardWhitelistDisablesLimiting(t *testing.T) {
	l := New(1, "*")
	for i := 0; i < 10; i++ {
		if !l.Allow("5.5.5.5") {
			t.Fatalf("wildcard whitelist should exempt every IP, failed at %d", i)
		}
	}
}

func TestLimiterCIDRWhitelistExemptsMatchingIP(t *testing.T) {
	l := New(1, "10.0.0.0/8")
	for i := 0; i < 5; i++ {
		if !l.Allow("10.1.2.3") {
			t.Fatalf("IP within whitelisted range should always be allowed")
		}
	}
	if !l.Allow("192.168.1.1") {
		t.Fatalf("first non-whitelisted connection should be allowed")
	}
	if l.Allow("192.168.1.1") {
		t.Fatalf("second non-whitelisted connection should hit the limit")
	}
}

func TestPlayWhitelistDisabledByDefault(t *testing.T) {
	pw := NewPlayWhitelist("")
	if !pw.Allowed("1.1.1.1") {
		t.Fatalf("empty whitelist should allow every IP")
	}
}

func TestPlayWhitelistRestrictsToRanges(t *testing.T) {
	pw := NewPlayWhitelist("203.0.113.0/24")
	if !pw.Allowed("203.0.113.5") {
		t.Fatalf("expected 203.0.113.5 to be allowed")
	}
	if pw.Allowed("198.51.100.1") {
		t.Fatalf("expected 198.51.100.1 to be rejected")
	}
}
