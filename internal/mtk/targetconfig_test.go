package mtk_test

import (
	"testing"

	"github.com/flashkit/flashkit/internal/mtk"
)

func TestTargetConfigHasAndString(t *testing.T) {
	c := mtk.CfgSBC | mtk.CfgSLA
	if !c.Has(mtk.CfgSBC) {
		t.Fatalf("Has(SBC) = false, want true")
	}
	if c.Has(mtk.CfgDAA) {
		t.Fatalf("Has(DAA) = true, want false")
	}
	if c.IsZero() {
		t.Fatalf("IsZero() = true, want false")
	}
	if got := c.String(); got != "SBC|SLA" {
		t.Fatalf("String() = %q, want %q", got, "SBC|SLA")
	}
}

func TestTargetConfigZero(t *testing.T) {
	var c mtk.TargetConfig
	if !c.IsZero() {
		t.Fatalf("IsZero() = false, want true")
	}
	if c.String() != "none" {
		t.Fatalf("String() = %q, want none", c.String())
	}
}
