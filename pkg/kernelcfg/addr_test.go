package kernelcfg

import "testing"

func TestParseAddrList(t *testing.T) {
	out := `2: eth0    inet 10.0.0.1/24 brd 10.0.0.255 scope global eth0\       valid_lft forever preferred_lft forever
2: eth0    inet 10.0.2.1/26 scope global eth0\       valid_lft forever preferred_lft forever
2: eth0    inet6 fe80::222:19ff:fe22:615d/64 scope link \       valid_lft forever preferred_lft forever
`
	addrs, err := parseAddrList(out)
	if err != nil {
		t.Fatalf("parseAddrList error: %v", err)
	}
	if len(addrs) != 3 {
		t.Fatalf("got %d addresses, want 3", len(addrs))
	}
	if addrs[0].Family != FamilyInet || addrs[0].Addr != "10.0.0.1" || addrs[0].PrefixLen != 24 || addrs[0].Broadcast != "10.0.0.255" {
		t.Errorf("first address = %+v", addrs[0])
	}
	if addrs[1].Broadcast != "" || addrs[1].PrefixLen != 26 {
		t.Errorf("second address = %+v", addrs[1])
	}
	if addrs[2].Family != FamilyInet6 || addrs[2].PrefixLen != 64 {
		t.Errorf("third address = %+v", addrs[2])
	}
}

func TestAddressEqual_IgnoresBroadcast(t *testing.T) {
	a := Address{Family: FamilyInet, Addr: "10.0.0.1", PrefixLen: 24, Broadcast: "10.0.0.255"}
	b := Address{Family: FamilyInet, Addr: "10.0.0.1", PrefixLen: 24}
	if !a.Equal(b) {
		t.Error("equality must ignore broadcast")
	}
	if a.Equal(Address{Family: FamilyInet6, Addr: "10.0.0.1", PrefixLen: 24}) {
		t.Error("different families must not compare equal")
	}
}

func TestValidateAddress(t *testing.T) {
	ok := Address{Family: FamilyInet, Addr: "10.0.0.1", PrefixLen: 24}
	if err := validateAddress(ok); err != nil {
		t.Errorf("valid IPv4 address rejected: %v", err)
	}
	bad := []Address{
		{Family: FamilyInet, Addr: "not-an-ip", PrefixLen: 24},
		{Family: FamilyInet, Addr: "fe80::1", PrefixLen: 64},     // v6 addr tagged v4
		{Family: FamilyInet6, Addr: "10.0.0.1", PrefixLen: 24},   // v4 addr tagged v6
		{Family: FamilyInet, Addr: "10.0.0.1", PrefixLen: 33},    // prefix too long
		{Family: FamilyInet6, Addr: "fe80::1", PrefixLen: 129},   // prefix too long
	}
	for _, a := range bad {
		if err := validateAddress(a); err == nil {
			t.Errorf("validateAddress(%+v) should error", a)
		}
	}
}
