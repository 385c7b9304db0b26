package kernelcfg

import "testing"

func TestLinkSub_EmptyWhenEqual(t *testing.T) {
	l := Link{Index: 3, Name: "eth0", Up: true, MTU: 1500, LLAddr: "aa:bb:cc:dd:ee:ff"}
	d := l.Sub(l)
	if !d.Empty() {
		t.Errorf("Sub of identical links should be empty, got %+v", d)
	}
}

func TestLinkSub_DetectsChanges(t *testing.T) {
	current := Link{Index: 3, Name: "eth0", MTU: 1500, LLAddr: "aa:bb:cc:dd:ee:ff"}
	desired := Link{Index: 3, Name: "eth1", MTU: 9000, LLAddr: "11:22:33:44:55:66"}

	d := desired.Sub(current)
	if d.Empty() {
		t.Fatal("Sub should detect a difference")
	}
	if d.Name == nil || *d.Name != "eth1" {
		t.Errorf("Name diff = %v, want eth1", d.Name)
	}
	if d.MTU == nil || *d.MTU != 9000 {
		t.Errorf("MTU diff = %v, want 9000", d.MTU)
	}
	if d.LLAddr == nil || *d.LLAddr != "11:22:33:44:55:66" {
		t.Errorf("LLAddr diff = %v, want 11:22:33:44:55:66", d.LLAddr)
	}
}

func TestLinkSub_LLAddrCaseInsensitive(t *testing.T) {
	current := Link{LLAddr: "aa:bb:cc:dd:ee:ff"}
	desired := Link{LLAddr: "AA:BB:CC:DD:EE:FF"}
	if d := desired.Sub(current); d.LLAddr != nil {
		t.Errorf("LLAddr compare should be case-insensitive, got diff %v", *d.LLAddr)
	}
}

func TestLinkSub_ZeroFieldsMeanUnset(t *testing.T) {
	current := Link{Name: "eth0", MTU: 1500}
	desired := Link{} // nothing requested
	if d := desired.Sub(current); !d.Empty() {
		t.Errorf("a zero-valued desired Link should produce an empty diff, got %+v", d)
	}
}

func TestParseLinkLine(t *testing.T) {
	line := `2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc pfifo_fast state UP mode DEFAULT group default qlen 1000    link/ether aa:bb:cc:dd:ee:ff brd ff:ff:ff:ff:ff:ff`
	l, err := parseLinkLine(line)
	if err != nil {
		t.Fatalf("parseLinkLine error: %v", err)
	}
	if l.Index != 2 || l.Name != "eth0" || !l.Up || l.MTU != 1500 || !l.Multicast || !l.ARP {
		t.Errorf("parsed link = %+v", l)
	}
	if l.LLAddr != "aa:bb:cc:dd:ee:ff" || l.Broadcast != "ff:ff:ff:ff:ff:ff" {
		t.Errorf("parsed addresses = lladdr=%q brd=%q", l.LLAddr, l.Broadcast)
	}
}

func TestParseLinkLine_VethPeerAnnotation(t *testing.T) {
	line := `5: veth0@veth1: <BROADCAST,MULTICAST,NOARP> mtu 1500 qdisc noop state DOWN mode DEFAULT group default qlen 1000    link/ether 00:11:22:33:44:55 brd ff:ff:ff:ff:ff:ff`
	l, err := parseLinkLine(line)
	if err != nil {
		t.Fatalf("parseLinkLine error: %v", err)
	}
	if l.Name != "veth0" {
		t.Errorf("Name = %q, want veth0 (peer annotation stripped)", l.Name)
	}
	if l.Up {
		t.Error("Up should be false")
	}
	if l.ARP {
		t.Error("ARP should be false (NOARP present)")
	}
}

func TestParseLinkList_MultipleInterfaces(t *testing.T) {
	out := `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN mode DEFAULT group default qlen 1000    link/loopback 00:00:00:00:00:00 brd 00:00:00:00:00:00
2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc pfifo_fast state UP mode DEFAULT group default qlen 1000    link/ether aa:bb:cc:dd:ee:ff brd ff:ff:ff:ff:ff:ff
`
	links, err := parseLinkList(out)
	if err != nil {
		t.Fatalf("parseLinkList error: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("got %d links, want 2", len(links))
	}
	if links[0].Name != "lo" || links[1].Name != "eth0" {
		t.Errorf("unexpected link order: %+v", links)
	}
}
