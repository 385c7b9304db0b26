package topofile

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
nodes:
  n1: {}
  n2:
    forward_x11: true
switches:
  s1:
    bandwidth: 13107200
    delay: 0.01
links:
  - node: n1
    switch: s1
    address: 10.0.0.1
    prefix_len: 24
  - node: n1
    peer_node: n2
    address: 10.0.1.1
    prefix_len: 24
    peer_address: 10.0.1.2
    peer_prefix_len: 24
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "topo.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	f, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(f.Nodes))
	}
	if !f.Nodes["n2"].ForwardX11 {
		t.Error("n2 should have forward_x11: true")
	}
	if f.Nodes["n1"].ForwardX11 {
		t.Error("n1 should default forward_x11 to false")
	}
	sw, ok := f.Switches["s1"]
	if !ok {
		t.Fatal("missing switch s1")
	}
	if sw.Bandwidth != 13107200 {
		t.Errorf("s1 bandwidth = %d, want 13107200", sw.Bandwidth)
	}
	if len(f.Links) != 2 {
		t.Fatalf("got %d links, want 2", len(f.Links))
	}
	if f.Links[0].Switch != "s1" || f.Links[0].Node != "n1" {
		t.Errorf("unexpected first link: %+v", f.Links[0])
	}
	if f.Links[1].PeerNode != "n2" {
		t.Errorf("second link should be a p2p link to n2, got %+v", f.Links[1])
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Error("expected an error loading a nonexistent file")
	}
}

func TestSwitchSpec_Params(t *testing.T) {
	s := SwitchSpec{Bandwidth: 1000, Delay: 0.1, DelayJitter: 0.01}
	p := s.params()
	if p.Bandwidth != 1000 || p.Delay != 0.1 || p.DelayJitter != 0.01 {
		t.Errorf("params() = %+v, want fields copied from spec", p)
	}
}

func TestIsV6(t *testing.T) {
	if isV6("10.0.0.1") {
		t.Error("10.0.0.1 should not be classified as IPv6")
	}
	if !isV6("fe80::1") {
		t.Error("fe80::1 should be classified as IPv6")
	}
}
