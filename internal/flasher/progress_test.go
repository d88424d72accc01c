package flasher

import "testing"

func TestPlanForModes(t *testing.T) {
	fe := PlanFor(true)
	if fe.AssetsDone != 15 || fe.WriteBase != 25 {
		t.Errorf("full-erase plan bases = %d/%d, want 15/25", fe.AssetsDone, fe.WriteBase)
	}
	te := PlanFor(false)
	if te.AssetsDone != 10 || te.WriteBase != 20 {
		t.Errorf("targeted plan bases = %d/%d, want 10/20", te.AssetsDone, te.WriteBase)
	}

	// Both plans must land exactly on the pre-reset cap when every
	// partition completes.
	for _, p := range []Plan{fe, te} {
		sum := p.WriteBase
		for _, w := range p.Weights {
			sum += w
		}
		if sum != MaxBeforeReset {
			t.Errorf("plan %+v tops out at %d, want %d", p, sum, MaxBeforeReset)
		}
	}
}

func TestWriteValueMonotone(t *testing.T) {
	for _, fullErase := range []bool{true, false} {
		p := PlanFor(fullErase)
		last := p.WriteBase
		for part := 0; part < len(p.Weights); part++ {
			total := 1000
			for written := 0; written <= total; written += 50 {
				v := p.WriteValue(part, written, total)
				if v < last {
					t.Fatalf("fullErase=%v part=%d written=%d: %d < previous %d",
						fullErase, part, written, v, last)
				}
				if v > MaxBeforeReset {
					t.Fatalf("fullErase=%v part=%d written=%d: %d exceeds cap", fullErase, part, written, v)
				}
				last = v
			}
		}
		if last != MaxBeforeReset {
			t.Errorf("fullErase=%v: final value %d, want %d", fullErase, last, MaxBeforeReset)
		}
	}
}

func TestWriteValueDegenerateInputs(t *testing.T) {
	p := PlanFor(false)

	if v := p.WriteValue(0, 0, 0); v != p.WriteBase {
		t.Errorf("zero total: %d, want base %d", v, p.WriteBase)
	}
	if v := p.WriteValue(0, 2000, 1000); v != p.WriteBase+p.Weights[0] {
		t.Errorf("overshoot written: %d, want %d", v, p.WriteBase+p.Weights[0])
	}
	if v := p.WriteValue(-3, 0, 100); v != p.WriteBase {
		t.Errorf("negative part: %d, want base %d", v, p.WriteBase)
	}
	if v := p.WriteValue(99, 100, 100); v != MaxBeforeReset {
		t.Errorf("part past end: %d, want cap %d", v, MaxBeforeReset)
	}
}
