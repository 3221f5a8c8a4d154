package classify

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/volume"
)

// pipeLauncher runs handler in-process behind the same framing the real
// worker uses.
type pipeLauncher struct {
	handler  func(req wireRequest) wireResponse
	launches int
}

func (l *pipeLauncher) Launch(name string, args ...string) (*Proc, error) {
	l.launches++
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer outW.Close()
		for {
			body, err := readFrame(inR)
			if err != nil {
				return
			}
			var req wireRequest
			if err := msgpack.Unmarshal(body, &req); err != nil {
				return
			}
			b, err := msgpack.Marshal(l.handler(req))
			if err != nil {
				return
			}
			if err := writeFrame(outW, b); err != nil {
				return
			}
		}
	}()
	return &Proc{
		Stdin:  inW,
		Stdout: outR,
		Wait:   func() error { <-done; return nil },
		Kill:   func() error { return inR.Close() },
	}, nil
}

func modelWorker(probs []float64) func(wireRequest) wireResponse {
	return func(req wireRequest) wireResponse {
		switch req.Type {
		case "hello":
			return wireResponse{Type: "ready", Classes: []string{"AD", "CN", "MCI"}, ModelVersion: "test-model"}
		case "classify":
			if req.Width < 2 || len(req.Image) == 0 {
				return wireResponse{Type: "result", ID: req.ID, Error: "image too small"}
			}
			return wireResponse{Type: "result", ID: req.ID, Probabilities: probs}
		}
		return wireResponse{Error: "unknown request"}
	}
}

func weightsFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "model.pth")
	if err := os.WriteFile(p, []byte("weights"), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func testSlice(index int) volume.Slice {
	return volume.Slice{Plane: constants.PlaneAxial, Axis: 2, Index: index, Width: 2, Height: 2, Pixels: []uint8{0, 64, 128, 255}}
}

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestRealClassifierRoundTrip(t *testing.T) {
	l := &pipeLauncher{handler: modelWorker([]float64{0.7, 0.2, 0.1})}
	c := NewRealClassifier(RealConfig{Python: "python3", Script: "worker.py", WeightsPath: weightsFile(t)}, l, nil)
	defer c.Close()

	got, err := c.Classify(context.Background(), testSlice(42))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	want := Prediction{
		SliceIndex:    42,
		Label:         constants.ClassAD,
		Confidence:    70,
		Probabilities: map[constants.Class]float64{constants.ClassAD: 70, constants.ClassCN: 20, constants.ClassMCI: 10},
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Fatalf("prediction mismatch (-want +got):\n%s", diff)
	}
	if c.ModelVersion() != "test-model" {
		t.Errorf("ModelVersion = %q", c.ModelVersion())
	}

	if _, err := c.Classify(context.Background(), testSlice(43)); err != nil {
		t.Fatalf("second Classify: %v", err)
	}
	if l.launches != 1 {
		t.Errorf("worker launched %d times, want 1", l.launches)
	}
}

func TestRealClassifierWorkerErrorKeepsProcess(t *testing.T) {
	l := &pipeLauncher{handler: modelWorker([]float64{0.1, 0.8, 0.1})}
	c := NewRealClassifier(RealConfig{WeightsPath: weightsFile(t)}, l, nil)
	defer c.Close()

	thin := volume.Slice{Index: 1, Width: 1, Height: 4, Pixels: []uint8{1, 2, 3, 4}}
	if _, err := c.Classify(context.Background(), thin); err == nil {
		t.Fatal("expected worker error for a one-pixel-wide slice")
	}
	got, err := c.Classify(context.Background(), testSlice(2))
	if err != nil {
		t.Fatalf("Classify after worker error: %v", err)
	}
	if got.Label != constants.ClassCN {
		t.Errorf("label = %s, want CN", got.Label)
	}
	if l.launches != 1 {
		t.Errorf("launches = %d, want 1", l.launches)
	}
}

func TestRealClassifierUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		weights func(t *testing.T) string
		handler func(wireRequest) wireResponse
		launch  bool
	}{
		{
			name:    "no weights configured",
			weights: func(*testing.T) string { return "" },
		},
		{
			name:    "weights missing on disk",
			weights: func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.pth") },
		},
		{
			name:    "handshake refused",
			weights: weightsFile,
			handler: func(wireRequest) wireResponse { return wireResponse{Type: "error", Error: "cuda init failed"} },
			launch:  true,
		},
		{
			name:    "unknown class in handshake",
			weights: weightsFile,
			handler: func(wireRequest) wireResponse { return wireResponse{Type: "ready", Classes: []string{"AD", "FTD"}} },
			launch:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &pipeLauncher{handler: tt.handler}
			c := NewRealClassifier(RealConfig{WeightsPath: tt.weights(t)}, l, nil)
			err := c.Ensure(context.Background())
			if !errors.Is(err, common.ErrModelUnavailable) {
				t.Fatalf("err = %v, want ErrModelUnavailable", err)
			}
			if launched := l.launches > 0; launched != tt.launch {
				t.Errorf("launched = %v, want %v", launched, tt.launch)
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	r, w := io.Pipe()
	go func() {
		_ = writeFrame(w, []byte("hello frame"))
		w.Close()
	}()
	got, err := readFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello frame" {
		t.Fatalf("frame = %q", got)
	}
	if _, err := readFrame(r); err == nil {
		t.Fatal("expected EOF error after last frame")
	}
}

func TestFallbackDeterministicAndBiased(t *testing.T) {
	vocab := constants.Vocabulary(constants.AnalysisMultiDisease)
	a := NewFallbackClassifier(vocab, 7, nil)
	b := NewFallbackClassifier(vocab, 7, nil)
	if a.Target() != b.Target() {
		t.Fatalf("targets differ for equal seeds: %s vs %s", a.Target(), b.Target())
	}

	counts := map[constants.Class]int{}
	for i := 0; i < 300; i++ {
		pa, err := a.Classify(context.Background(), testSlice(i))
		if err != nil {
			t.Fatal(err)
		}
		pb, _ := b.Classify(context.Background(), testSlice(i))
		if diff := cmp.Diff(pa, pb); diff != "" {
			t.Fatalf("draw %d not reproducible:\n%s", i, diff)
		}

		sum := 0.0
		for _, c := range vocab {
			sum += pa.Probabilities[c]
		}
		if math.Abs(sum-100) > 1e-6 {
			t.Fatalf("draw %d sums to %v", i, sum)
		}
		if pa.Probabilities[pa.Label] != pa.Confidence {
			t.Fatalf("confidence %v does not match label probability", pa.Confidence)
		}
		counts[pa.Label]++
	}
	for _, c := range vocab {
		if c != a.Target() && counts[c] >= counts[a.Target()] {
			t.Errorf("class %s won %d times, target %s only %d", c, counts[c], a.Target(), counts[a.Target()])
		}
	}
}

func TestFallbackHonoursContext(t *testing.T) {
	f := NewFallbackClassifier(constants.Vocabulary(constants.AnalysisADOnly), 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Classify(ctx, testSlice(0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestRestrict(t *testing.T) {
	in := Prediction{
		SliceIndex: 5,
		Label:      constants.ClassMCI,
		Confidence: 50,
		Probabilities: map[constants.Class]float64{
			constants.ClassMCI: 50, constants.ClassAD: 30, constants.ClassCN: 20,
		},
	}
	got, ok := Restrict(in, []constants.Class{constants.ClassCN, constants.ClassAD})
	if !ok {
		t.Fatal("Restrict reported no mass")
	}
	want := Prediction{
		SliceIndex:    5,
		Label:         constants.ClassAD,
		Confidence:    60,
		Probabilities: map[constants.Class]float64{constants.ClassCN: 40, constants.ClassAD: 60},
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	none := Prediction{Probabilities: map[constants.Class]float64{constants.ClassMCI: 100}}
	if _, ok := Restrict(none, []constants.Class{constants.ClassCN, constants.ClassAD}); ok {
		t.Fatal("expected no mass over vocabulary")
	}
}

func TestConfidenceLevel(t *testing.T) {
	tests := []struct {
		conf float64
		want string
	}{
		{95, "Very High"},
		{90, "Very High"},
		{89.9, "High"},
		{80, "High"},
		{75, "Moderate"},
		{60, "Low"},
		{59.99, "Very Low"},
		{0, "Very Low"},
	}
	for _, tt := range tests {
		if got := ConfidenceLevel(tt.conf); got != tt.want {
			t.Errorf("ConfidenceLevel(%v) = %q, want %q", tt.conf, got, tt.want)
		}
	}
}

func TestProviderSelect(t *testing.T) {
	vocab := []constants.Class{constants.ClassCN, constants.ClassAD}

	t.Run("real when model loads", func(t *testing.T) {
		l := &pipeLauncher{handler: modelWorker([]float64{0.6, 0.2, 0.2})}
		real := NewRealClassifier(RealConfig{WeightsPath: weightsFile(t)}, l, nil)
		defer real.Close()
		p := NewProvider(real, false, 1, nil)

		c, kind := p.Select(context.Background(), vocab)
		if kind != KindReal {
			t.Fatalf("kind = %s, want real", kind)
		}
		got, err := c.Classify(context.Background(), testSlice(9))
		if err != nil {
			t.Fatal(err)
		}
		want := map[constants.Class]float64{constants.ClassAD: 75, constants.ClassCN: 25}
		if diff := cmp.Diff(want, got.Probabilities, approx); diff != "" {
			t.Fatalf("restricted probabilities (-want +got):\n%s", diff)
		}
		if p.ModelVersion(kind) != "test-model" {
			t.Errorf("ModelVersion = %q", p.ModelVersion(kind))
		}
	})

	t.Run("fallback when weights are missing", func(t *testing.T) {
		real := NewRealClassifier(RealConfig{WeightsPath: filepath.Join(t.TempDir(), "none.pth")}, &pipeLauncher{}, nil)
		c, kind := NewProvider(real, false, 1, nil).Select(context.Background(), vocab)
		if kind != KindFallback {
			t.Fatalf("kind = %s, want fallback", kind)
		}
		if _, ok := c.(*FallbackClassifier); !ok {
			t.Fatalf("classifier type = %T", c)
		}
	})

	t.Run("forced fallback never launches the worker", func(t *testing.T) {
		l := &pipeLauncher{handler: modelWorker([]float64{1, 0, 0})}
		real := NewRealClassifier(RealConfig{WeightsPath: weightsFile(t)}, l, nil)
		_, kind := NewProvider(real, true, 1, nil).Select(context.Background(), vocab)
		if kind != KindFallback || l.launches != 0 {
			t.Fatalf("kind = %s launches = %d", kind, l.launches)
		}
	})
}
