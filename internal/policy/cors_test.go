package policy

import "testing"

func TestDecideOriginAllowsConfiguredFrontend(t *testing.T) {
	d := DecideOrigin("https://app.tinge.example", "https://app.tinge.example")
	if !d.Allowed {
		t.Fatalf("expected frontend origin allowed, got %+v", d)
	}
}

func TestDecideOriginAllowsLocalhostDevPorts(t *testing.T) {
	for _, origin := range []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:8080"} {
		if d := DecideOrigin(origin, ""); !d.Allowed {
			t.Fatalf("expected %s allowed, got %+v", origin, d)
		}
	}
}

func TestDecideOriginRejectsUnknownLocalhostPort(t *testing.T) {
	d := DecideOrigin("http://localhost:9999", "")
	if d.Allowed {
		t.Fatalf("expected localhost:9999 rejected, got %+v", d)
	}
}

func TestDecideOriginAllowsPrivateLAN(t *testing.T) {
	d := DecideOrigin("http://192.168.1.50:3000", "")
	if !d.Allowed {
		t.Fatalf("expected private LAN origin allowed, got %+v", d)
	}
}

func TestDecideOriginAllowsRailwaySuffix(t *testing.T) {
	for _, origin := range []string{"https://tinge.railway.app", "https://tinge.up.railway.app"} {
		if d := DecideOrigin(origin, ""); !d.Allowed {
			t.Fatalf("expected %s allowed, got %+v", origin, d)
		}
	}
}

func TestDecideOriginRejectsOther(t *testing.T) {
	d := DecideOrigin("https://evil.example.com", "https://app.tinge.example")
	if d.Allowed {
		t.Fatalf("expected evil.example.com rejected, got %+v", d)
	}
}

func TestDecideOriginAllowsEmptyOrigin(t *testing.T) {
	d := DecideOrigin("", "https://app.tinge.example")
	if !d.Allowed {
		t.Fatalf("expected empty origin (non-browser client) allowed")
	}
}
