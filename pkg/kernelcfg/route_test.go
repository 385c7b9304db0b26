package kernelcfg

import "testing"

func TestParseRouteLine_Default(t *testing.T) {
	r, err := parseRouteLine("default via 10.0.0.1 metric 100")
	if err != nil {
		t.Fatalf("parseRouteLine error: %v", err)
	}
	if r.Type != RouteUnicast || r.Prefix != "" || r.PrefixLen != 0 {
		t.Errorf("default route = %+v, want null prefix", r)
	}
	if r.Nexthop != "10.0.0.1" || r.Metric != 100 {
		t.Errorf("default route tail = %+v", r)
	}
}

func TestParseRouteLine_TypedRoute(t *testing.T) {
	r, err := parseRouteLine("unreachable 10.1.0.0/24 metric 50")
	if err != nil {
		t.Fatalf("parseRouteLine error: %v", err)
	}
	if r.Type != RouteUnreachable || r.Prefix != "10.1.0.0" || r.PrefixLen != 24 || r.Metric != 50 {
		t.Errorf("typed route = %+v", r)
	}
}

func TestParseRouteLine_HostRouteWithoutSlash(t *testing.T) {
	r, err := parseRouteLine("10.0.0.2 via 10.0.0.1")
	if err != nil {
		t.Fatalf("parseRouteLine error: %v", err)
	}
	if r.Prefix != "10.0.0.2" || r.PrefixLen != 32 {
		t.Errorf("host route = %+v, want /32", r)
	}
}

func TestRouteValidate(t *testing.T) {
	if err := (Route{Type: RouteUnicast, Prefix: "10.0.0.0", PrefixLen: 24}).Validate(); err == nil {
		t.Error("a route with neither nexthop nor interface must be rejected")
	}
	if err := (Route{Type: RouteUnicast, Nexthop: "10.0.0.1"}).Validate(); err != nil {
		t.Errorf("nexthop-only route rejected: %v", err)
	}
	if err := (Route{Type: RouteUnicast, IfIndex: 3}).Validate(); err != nil {
		t.Errorf("interface-only route rejected: %v", err)
	}
}

func TestRouteArgv(t *testing.T) {
	argv := routeArgv(nil, "add", Route{Type: RouteUnicast, Prefix: "10.0.0.0", PrefixLen: 24, Nexthop: "10.0.0.1", Metric: 5}, "eth0")
	want := []string{"ip", "route", "add", "10.0.0.0/24", "via", "10.0.0.1", "dev", "eth0", "metric", "5"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}

	def := routeArgv(nil, "add", Route{Type: RouteBlackhole}, "")
	if def[3] != "blackhole" || def[4] != "default" {
		t.Errorf("typed default argv = %v, want blackhole default", def)
	}
}
