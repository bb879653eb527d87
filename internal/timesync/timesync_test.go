package timesync

import "testing"

func TestXtimeCodecRoundTrip(t *testing.T) {
	x := MakeXtime(3, 200, 0x1234_5678_9ABC)
	if TxUnit(x) != 3 {
		t.Fatalf("TxUnit = %d, want 3", TxUnit(x))
	}
	if Session(x) != 200 {
		t.Fatalf("Session = %d, want 200", Session(x))
	}
	if Usec(x) != 0x1234_5678_9ABC {
		t.Fatalf("Usec = %x, want 0x123456789ABC", Usec(x))
	}
}

func TestNewSessionNeverZero(t *testing.T) {
	x := NewSession(1, 0)
	if Session(x) == 0 {
		t.Fatal("session nonce must never be 0")
	}
}

func TestFirstUpdateSeedsReference(t *testing.T) {
	e := NewEngine()
	res := e.Update(Sample{TxUnit: 0, Ustime: 1000, Xtime: MakeXtime(0, 1, 1000)})
	if !res.Accepted {
		t.Fatal("first sample for a txunit should seed the reference and be accepted")
	}
}

func TestUstimeXtimeConversionAfterTwoSamples(t *testing.T) {
	e := NewEngine()
	e.Update(Sample{TxUnit: 0, Ustime: 0, Xtime: MakeXtime(0, 1, 0)})
	e.Update(Sample{TxUnit: 0, Ustime: timesyncRadioIntvUS, Xtime: MakeXtime(0, 1, uint64(timesyncRadioIntvUS))})

	x, err := e.Ustime2Xtime(0, 5_000_000)
	if err != nil {
		t.Fatal(err)
	}
	back, err := e.Xtime2Ustime(x)
	if err != nil {
		t.Fatal(err)
	}
	if back != 5_000_000 {
		t.Fatalf("conversion not idempotent: got %d, want 5000000", back)
	}
}

func TestXtime2UstimeRejectsStaleSession(t *testing.T) {
	e := NewEngine()
	e.Update(Sample{TxUnit: 0, Ustime: 0, Xtime: MakeXtime(0, 1, 0)})
	e.Update(Sample{TxUnit: 0, Ustime: timesyncRadioIntvUS, Xtime: MakeXtime(0, 1, uint64(timesyncRadioIntvUS))})

	stale := MakeXtime(0, 99, 12345)
	if _, err := e.Xtime2Ustime(stale); err == nil {
		t.Fatal("expected error converting xtime from an obsolete session")
	}
}

func TestExcessiveDriftRejectedThenThresReset(t *testing.T) {
	e := NewEngine()
	e.Update(Sample{TxUnit: 0, Ustime: 0, Xtime: MakeXtime(0, 1, 0)})
	// A wildly drifting second sample: xtime advances much faster than
	// ustime, well beyond the max drift threshold.
	res := e.Update(Sample{TxUnit: 0, Ustime: timesyncRadioIntvUS, Xtime: MakeXtime(0, 1, uint64(timesyncRadioIntvUS*3))})
	if res.Accepted {
		t.Fatal("wildly drifting sample should be rejected")
	}
	if res.Delay != timesyncRadioIntvUS/2 {
		t.Fatalf("rejected-sample retry delay = %d, want %d", res.Delay, timesyncRadioIntvUS/2)
	}

	// Lower the threshold, then keep feeding excessive drift: after
	// 2*quickRetries consecutive rejections the threshold resets to max.
	e.stats[0].driftThres = minMCUDriftThres
	for i := int64(2); i <= 2*quickRetries; i++ {
		e.Update(Sample{TxUnit: 0, Ustime: i * timesyncRadioIntvUS, Xtime: MakeXtime(0, 1, uint64(i*timesyncRadioIntvUS*3))})
	}
	if e.stats[0].driftThres != maxMCUDriftThres {
		t.Fatalf("driftThres = %d, want reset to %d", e.stats[0].driftThres, maxMCUDriftThres)
	}
}

func TestGpstimeConversionFailsWithoutPPS(t *testing.T) {
	e := NewEngine()
	e.Update(Sample{TxUnit: 0, Ustime: 0, Xtime: MakeXtime(0, 1, 0)})
	if _, err := e.Gpstime2Xtime(0, 1_000_000); err == nil {
		t.Fatal("expected error: no PPS/GPS reference yet")
	}
}

func TestSetLNSTimesyncEnablesGPSConversion(t *testing.T) {
	e := NewEngine()
	e.Update(Sample{TxUnit: 0, Ustime: 0, Xtime: MakeXtime(0, 1, 0)})
	e.Update(Sample{TxUnit: 0, Ustime: timesyncRadioIntvUS, Xtime: MakeXtime(0, 1, uint64(timesyncRadioIntvUS))})

	x, _ := e.Ustime2Xtime(0, 2_000_000)
	if err := e.SetLNSTimesync(x, 1_700_000_000_000_000); err != nil {
		t.Fatal(err)
	}
	if !e.GPSAcquired() {
		t.Fatal("GPSAcquired should be true after SetLNSTimesync")
	}
	gps, err := e.Xtime2Gpstime(x)
	if err != nil {
		t.Fatal(err)
	}
	if gps != 1_700_000_000_000_000 {
		t.Fatalf("Xtime2Gpstime = %d, want 1700000000000000", gps)
	}
}

func TestStartLNSRoundPausesWithoutPPSOffset(t *testing.T) {
	e := NewEngine()
	_, shouldSend := e.StartLNSRound()
	if shouldSend {
		t.Fatal("must not start LNS round before a PPS offset is known")
	}
}

func TestQuantileNearestRank(t *testing.T) {
	vals := make([]int, nDrifts)
	for i := range vals {
		vals[i] = i - nDrifts/2
	}
	// Nearest rank (50*20+50)/100 = 10 lands on magnitude 5; which of the
	// tied -5/5 sorts first is not defined.
	q50 := quantile(vals, 50)
	if absInt(q50) != 5 {
		t.Fatalf("q50 of a symmetric-ish set should land near the middle magnitude, got %d", q50)
	}
}
