package kernelcfg

import "testing"

func TestClassifyQdisc(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want TCShape
	}{
		{"empty", "", ShapeNone},
		{"default noqueue", "qdisc noqueue 0: root refcnt 2", ShapeNone},
		{"tbf only", "qdisc tbf 1: root refcnt 2 rate 1Mbit burst 1500b lat 2.0ms", ShapeTBF},
		{"netem only", "qdisc netem 2: root refcnt 2 limit 1000 delay 100.0ms", ShapeNetem},
		{"tbf plus netem", "qdisc tbf 1: root refcnt 2 rate 1Mbit burst 1500b lat 2.0ms\nqdisc netem 2: parent 1:1 limit 1000 delay 100.0ms", ShapeTBFNetem},
		{"foreign", "qdisc htb 1: root refcnt 2", ShapeForeign},
		{"netem then tbf is foreign (wrong order)", "qdisc netem 2: root refcnt 2\nqdisc tbf 1: parent 2:1 rate 1Mbit", ShapeForeign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyQdisc(tt.out); got != tt.want {
				t.Errorf("classifyQdisc(%q) = %v, want %v", tt.out, got, tt.want)
			}
		})
	}
}

func TestTCParams_TargetShape(t *testing.T) {
	tests := []struct {
		name   string
		params TCParams
		want   TCShape
	}{
		{"nothing", TCParams{}, ShapeNone},
		{"bandwidth only", TCParams{Bandwidth: 1000}, ShapeTBF},
		{"delay only", TCParams{Delay: 0.1}, ShapeNetem},
		{"loss only", TCParams{Loss: 0.01}, ShapeNetem},
		{"bandwidth and delay", TCParams{Bandwidth: 1000, Delay: 0.1}, ShapeTBFNetem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.targetShape(); got != tt.want {
				t.Errorf("targetShape() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTCParams_Validate(t *testing.T) {
	if err := (TCParams{DelayCorrelation: 0.5}).Validate(); err == nil {
		t.Error("delay_correlation without delay_jitter should be rejected")
	}
	if err := (TCParams{DelayDistribution: "normal"}).Validate(); err == nil {
		t.Error("delay_distribution without delay_jitter should be rejected")
	}
	if err := (TCParams{Delay: 0.1, DelayJitter: 0.01, DelayCorrelation: 0.5}).Validate(); err != nil {
		t.Errorf("delay_correlation with delay_jitter set should be accepted, got %v", err)
	}
}

func TestTBFBurstAndLimit(t *testing.T) {
	burst := tbfBurst(1_000_000, 1500, 100) // 1Mbit/s at HZ=100 -> 10000 B/tick
	if burst != 10000 {
		t.Errorf("tbfBurst = %d, want 10000", burst)
	}
	if limit := tbfLimit(burst); limit != 20000 {
		t.Errorf("tbfLimit = %d, want 20000", limit)
	}

	// mtu dominates when bandwidth/HZ is smaller than the mtu.
	burst = tbfBurst(1000, 1500, 100) // 10 B/tick, mtu 1500 wins
	if burst != 1500 {
		t.Errorf("tbfBurst with small bandwidth = %d, want mtu 1500", burst)
	}
}

func TestPctFormat(t *testing.T) {
	if got := pct(0.005); got != "0.500%" {
		t.Errorf("pct(0.005) = %q, want 0.500%%", got)
	}
	if got := pct(1); got != "100.000%" {
		t.Errorf("pct(1) = %q, want 100.000%%", got)
	}
}
