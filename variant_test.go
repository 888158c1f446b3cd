package fifoeth

import "testing"

func TestVariant(t *testing.T) {
	tests := []struct {
		v     Variant
		str   string
		valid bool
	}{
		{VariantECM, "ECM", true},
		{VariantNCM, "NCM", true},
		{0, "Variant(0)", false},
		{6, "Variant(6)", false},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.str {
			t.Errorf("want %q, got %q", tt.str, got)
		}
		if got := tt.v.IsValid(); got != tt.valid {
			t.Errorf("%s: want valid=%v", tt.str, tt.valid)
		}
	}
}

func TestSpaceDecoders(t *testing.T) {
	// Bits above the fill field must not leak into the result.
	const hi = 0xfe_e0_0000
	if got := spaceECM(hi|10, 2048); got != 2038 {
		t.Errorf("ECM: want 2038, got %d", got)
	}
	if got := spaceNCM(hi|0x8000, 2048); got != -32768 {
		t.Errorf("NCM: want -32768, got %d", got)
	}
	if got := spaceNCM(hi|0x7fff, 2048); got != 32767 {
		t.Errorf("NCM: want 32767, got %d", got)
	}
}
