package enums

import "testing"

func TestSessionStatusTerminal(t *testing.T) {
	if SessionStatusActive.IsTerminal() {
		t.Fatalf("active must not be terminal")
	}
	for _, status := range []SessionStatus{SessionStatusCompleted, SessionStatusDeclined} {
		if !status.IsTerminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
}

func TestParsePricingPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    PricingPolicy
		wantErr bool
	}{
		{in: "", want: PricingPolicyProportional},
		{in: "Demand-Bounded", want: PricingPolicyDemandBounded},
		{in: " proportional ", want: PricingPolicyProportional},
		{in: "surge", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePricingPolicy(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParsePricingPolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestParseWatchEventType(t *testing.T) {
	if _, err := ParseWatchEventType("rewind"); err == nil {
		t.Fatalf("expected unknown event type to fail")
	}
	got, err := ParseWatchEventType("heartbeat")
	if err != nil || got != WatchEventHeartbeat {
		t.Fatalf("unexpected parse result %q %v", got, err)
	}
}

func TestParseSettlementProviderKind(t *testing.T) {
	if _, err := ParseSettlementProviderKind("xrpl"); err == nil {
		t.Fatalf("expected unknown provider to fail")
	}
	got, err := ParseSettlementProviderKind("BOLT")
	if err != nil || got != SettlementProviderBolt {
		t.Fatalf("unexpected parse result %q %v", got, err)
	}
}
