package fpmath

import (
	"math/big"
	"testing"
)

func TestMulDiv(t *testing.T) {
	cases := []struct {
		name      string
		a, b, den int64
		want      int64
	}{
		{"exact", 10, 6, 3, 20},
		{"truncates", 10, 1, 3, 3},
		{"zero_numerator", 0, 5, 7, 0},
		{"negative_truncates_toward_zero", -10, 1, 3, -3},
	}
	for _, tc := range cases {
		got := MulDiv(big.NewInt(tc.a), big.NewInt(tc.b), big.NewInt(tc.den))
		if got.Int64() != tc.want {
			t.Errorf("%s: MulDiv(%d, %d, %d) = %s, want %d", tc.name, tc.a, tc.b, tc.den, got, tc.want)
		}
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// a * b overflows int64 and uint64 but the quotient fits.
	a := new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
	got := MulDiv(a, a, a)
	if got.Cmp(a) != 0 {
		t.Errorf("got %s, want %s", got, a)
	}
}

func TestMulDiv_DoesNotAliasInputs(t *testing.T) {
	a := big.NewInt(7)
	b := big.NewInt(5)
	den := big.NewInt(2)
	MulDiv(a, b, den)
	if a.Int64() != 7 || b.Int64() != 5 || den.Int64() != 2 {
		t.Errorf("inputs mutated: a=%s b=%s den=%s", a, b, den)
	}
}

func TestPercentOf(t *testing.T) {
	if got := PercentOf(big.NewInt(330), 10); got.Int64() != 33 {
		t.Errorf("10%% of 330 = %s, want 33", got)
	}
	// Truncation, not rounding.
	if got := PercentOf(big.NewInt(19), 10); got.Int64() != 1 {
		t.Errorf("10%% of 19 = %s, want 1", got)
	}
	if got := PercentOf(new(big.Int).Set(Precision), 50); got.Cmp(new(big.Int).Quo(Precision, big.NewInt(2))) != 0 {
		t.Errorf("50%% of 1e18 = %s", got)
	}
}

func TestClone(t *testing.T) {
	v := big.NewInt(42)
	c := Clone(v)
	c.SetInt64(7)
	if v.Int64() != 42 {
		t.Errorf("clone aliases original: %s", v)
	}
	if Clone(nil).Sign() != 0 {
		t.Error("Clone(nil) should be zero")
	}
}

func TestConstants(t *testing.T) {
	if new(big.Int).Mul(FeedScaleUp, big.NewInt(100_000_000)).Cmp(Precision) != 0 {
		t.Error("FeedScaleUp * 1e8 must equal Precision")
	}
	if MaxRatio.BitLen() != 256 {
		t.Errorf("MaxRatio bit length = %d, want 256", MaxRatio.BitLen())
	}
}
