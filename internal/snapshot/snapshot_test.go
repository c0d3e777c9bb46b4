package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"optflow/models"
)

func sampleState() *State {
	key := models.ClusterKey{ExpiryMs: 1790150400000, IsCall: true, StrikeBucket: 90000}
	positions := map[models.ClusterKey]*models.ResidualPosition{
		key: {
			Qty:              340,
			SignedQty:        340,
			DeltaWeightedVol: 120.5,
			LastTradeTs:      1756500000000,
			TradeCount:       7,
			Instruments:      map[string]struct{}{"BTC-27MAR26-90000-C": {}},
		},
	}
	anchors := map[models.ClusterKey]int64{key: 1756400000000}
	samples := []models.AmtSample{{Ts: 1756500000000, AbsAmt: 120}}
	iv := map[string]float64{"BTC-27MAR26-90000-C": 0.62}
	delta := map[string]float64{"BTC-27MAR26-90000-C": 0.41}
	return Capture(1756500001000, positions, anchors, samples, iv, delta, 1756500000123)
}

func TestRoundTrip(t *testing.T) {
	data, err := Encode(sampleState())
	if err != nil {
		t.Fatal(err)
	}
	got := Decode(data)
	if got.Ts != 1756500001000 || got.WatermarkMs != 1756500000123 {
		t.Fatalf("header fields lost: %+v", got)
	}

	positions, anchors := got.Residuals()
	if len(positions) != 1 {
		t.Fatalf("positions = %d", len(positions))
	}
	key := models.ClusterKey{ExpiryMs: 1790150400000, IsCall: true, StrikeBucket: 90000}
	pos := positions[key]
	if pos == nil {
		t.Fatal("cluster key lost in round trip")
	}
	if pos.Qty != 340 || pos.DeltaWeightedVol != 120.5 || pos.TradeCount != 7 {
		t.Fatalf("residual fields lost: %+v", pos)
	}
	if _, ok := pos.Instruments["BTC-27MAR26-90000-C"]; !ok {
		t.Fatal("instrument set lost")
	}
	if anchors[key] != 1756400000000 {
		t.Fatalf("anchor = %d", anchors[key])
	}
	if len(got.AmtSamples) != 1 || got.AmtSamples[0].AbsAmt != 120 {
		t.Fatalf("samples lost: %+v", got.AmtSamples)
	}
	if got.LastIV["BTC-27MAR26-90000-C"] != 0.62 {
		t.Fatal("iv cache lost")
	}
}

func TestDecodeCorruptYieldsEmpty(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("{truncated"), []byte(`"a string"`), []byte("null")} {
		s := Decode(data)
		if s == nil {
			t.Fatal("nil state")
		}
		positions, anchors := s.Residuals()
		if len(positions) != 0 || len(anchors) != 0 {
			t.Fatalf("corrupt input %q produced state", data)
		}
	}
}

func TestResidualsSkipUnparsableKeys(t *testing.T) {
	s := emptyState()
	s.ResidualQty["not-a-key"] = 100
	s.ResidualQty["1790150400000|1|90000"] = 200
	positions, _ := s.Residuals()
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want damaged entry skipped", len(positions))
	}
}

func TestSampleCapEnforced(t *testing.T) {
	samples := make([]models.AmtSample, 1500)
	for i := range samples {
		samples[i] = models.AmtSample{Ts: int64(i), AbsAmt: float64(i)}
	}
	s := Capture(1, nil, nil, samples, nil, nil, 0)
	if len(s.AmtSamples) != SampleCap {
		t.Fatalf("samples = %d, want %d", len(s.AmtSamples), SampleCap)
	}
	if s.AmtSamples[0].Ts != 500 {
		t.Fatal("cap must keep the newest samples")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "flow.json")
	store := NewFileStore(path)
	ctx := context.Background()

	if data, err := store.Load(ctx); err != nil || data != nil {
		t.Fatalf("missing file should load empty, got %v / %v", data, err)
	}

	want, _ := Encode(sampleState())
	if err := store.Save(ctx, want); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatal("file contents changed in round trip")
	}
}
