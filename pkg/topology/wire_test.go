package topology

import "testing"

func TestParseLinkLine(t *testing.T) {
	l, err := parseLinkLine("3 eth0 1 1500 aa:bb:cc:dd:ee:ff ff:ff:ff:ff:ff:ff")
	if err != nil {
		t.Fatalf("parseLinkLine error: %v", err)
	}
	if l.Index != 3 || l.Name != "eth0" || !l.Up || l.MTU != 1500 {
		t.Errorf("parsed link = %+v", l)
	}
	if l.LLAddr != "aa:bb:cc:dd:ee:ff" || l.Broadcast != "ff:ff:ff:ff:ff:ff" {
		t.Errorf("parsed addresses = %q %q", l.LLAddr, l.Broadcast)
	}
}

func TestParseLinkLine_Loopback(t *testing.T) {
	l, err := parseLinkLine("1 lo 1 65536 00:00:00:00:00:00 00:00:00:00:00:00")
	if err != nil {
		t.Fatalf("parseLinkLine error: %v", err)
	}
	if l.Name != "lo" || !l.Up {
		t.Errorf("parsed link = %+v", l)
	}
}

func TestParseLinkLine_Malformed(t *testing.T) {
	for _, line := range []string{"", "1 lo", "x lo 1 1500", "1 lo 1 huge"} {
		if _, err := parseLinkLine(line); err == nil {
			t.Errorf("parseLinkLine(%q) should error", line)
		}
	}
}

func TestParseAddrLine(t *testing.T) {
	a, err := parseAddrLine("4 10.0.0.1 24 10.0.0.255")
	if err != nil {
		t.Fatalf("parseAddrLine error: %v", err)
	}
	if a.V6 || a.Addr != "10.0.0.1" || a.PrefixLen != 24 || a.Broadcast != "10.0.0.255" {
		t.Errorf("parsed address = %+v", a)
	}

	a6, err := parseAddrLine("6 fe80::1 64 ")
	if err != nil {
		t.Fatalf("parseAddrLine v6 error: %v", err)
	}
	if !a6.V6 || a6.Addr != "fe80::1" || a6.PrefixLen != 64 {
		t.Errorf("parsed v6 address = %+v", a6)
	}
}

func TestAddressEqual_IgnoresBroadcast(t *testing.T) {
	a := Address{Addr: "10.0.0.1", PrefixLen: 24, Broadcast: "10.0.0.255"}
	b := Address{Addr: "10.0.0.1", PrefixLen: 24}
	if !a.Equal(b) {
		t.Error("address equality must ignore broadcast")
	}
	c := Address{Addr: "10.0.0.1", PrefixLen: 26}
	if a.Equal(c) {
		t.Error("different prefix lengths must not compare equal")
	}
}

func TestParseRouteLine(t *testing.T) {
	r, ifnr, err := parseRouteLine("unicast 10.0.0.0 24 10.0.0.254 3 100")
	if err != nil {
		t.Fatalf("parseRouteLine error: %v", err)
	}
	if r.Type != RouteUnicast || r.Prefix != "10.0.0.0" || r.PrefixLen != 24 {
		t.Errorf("parsed route = %+v", r)
	}
	if r.Nexthop != "10.0.0.254" || ifnr != 3 || r.Metric != 100 {
		t.Errorf("parsed route tail = %+v ifnr=%d", r, ifnr)
	}
}

func TestParseRouteLine_Malformed(t *testing.T) {
	for _, line := range []string{"", "unicast 10.0.0.0", "unicast 10.0.0.0 x 10.0.0.254 3 100"} {
		if _, _, err := parseRouteLine(line); err == nil {
			t.Errorf("parseRouteLine(%q) should error", line)
		}
	}
}

func TestSplitEnv(t *testing.T) {
	k, v := splitEnv("DISPLAY=127.0.0.1:10")
	if k != "DISPLAY" || v != "127.0.0.1:10" {
		t.Errorf("splitEnv = %q %q", k, v)
	}
	k, v = splitEnv("BARE")
	if k != "BARE" || v != "" {
		t.Errorf("splitEnv without '=' = %q %q", k, v)
	}
}
