package vh

import "testing"

func TestEncodeDecodeIsBijective(t *testing.T) {
	tss := []uint64{0, 1, 2, 42, 1 << 40, 1<<60 - 1}
	for _, ts := range tss {
		for step := 0; step <= MaxStep; step++ {
			h := Encode(ts, uint8(step))
			if gotTs := DecodeTs(h); gotTs != ts {
				t.Errorf("Encode(%d, %d): DecodeTs = %d, want %d", ts, step, gotTs, ts)
			}
			if gotStep := DecodeStep(h); gotStep != uint8(step) {
				t.Errorf("Encode(%d, %d): DecodeStep = %d, want %d", ts, step, gotStep, step)
			}
		}
	}
}

func TestEncodeOrdersByTimestampThenStep(t *testing.T) {
	lo := Encode(5, 3)
	hi := Encode(5, 4)
	if lo >= hi {
		t.Errorf("Encode(5,3) = %d, want less than Encode(5,4) = %d", lo, hi)
	}
	hi2 := Encode(6, 0)
	if lo >= hi2 {
		t.Errorf("Encode(5,3) = %d, want less than Encode(6,0) = %d", lo, hi2)
	}
}

func TestStepMasksOutOfRangeInput(t *testing.T) {
	h := Encode(7, 255)
	if got := DecodeStep(h); got != uint8(MaxStep) {
		t.Errorf("DecodeStep = %d, want %d", got, MaxStep)
	}
}
