package irq

import "testing"

func TestDivisor(t *testing.T) {
	specs := []struct {
		hz     uint32
		expDiv uint16
	}{
		{0, 0xFFFF},
		{1, 0xFFFF},
		{100, 11931},
		{1000, 1193},
		{PITBaseFrequency, 1},
		{PITBaseFrequency * 2, 1},
	}

	for specIndex, spec := range specs {
		if got := Divisor(spec.hz); got != spec.expDiv {
			t.Errorf("[spec %d] expected divisor for %d Hz to be %d; got %d", specIndex, spec.hz, spec.expDiv, got)
		}
	}
}

func TestEffectiveFrequency(t *testing.T) {
	if got := EffectiveFrequency(Divisor(100)); got != 100 {
		t.Fatalf("expected effective frequency of 100; got %d", got)
	}

	if got := EffectiveFrequency(0); got != 0 {
		t.Fatalf("expected zero divisor to yield 0; got %d", got)
	}
}
