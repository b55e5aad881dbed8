package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/Ramkumar137/DesignMate/core"
	"github.com/Ramkumar137/DesignMate/db"
	"github.com/Ramkumar137/DesignMate/metrics"
	"github.com/Ramkumar137/DesignMate/sdruntime"
	"github.com/Ramkumar137/DesignMate/storage"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fakeLocal struct {
	t      *testing.T
	params []sdruntime.GenerateParams
	err    error
}

func (f *fakeLocal) Generate(_ context.Context, p sdruntime.GenerateParams) (LocalRun, error) {
	f.params = append(f.params, p)
	if f.err != nil {
		return LocalRun{Device: "cpu"}, f.err
	}
	return LocalRun{
		Result: &sdruntime.GenerateResult{ImageData: encode(f.t, solid(512, 512, color.RGBA{G: 200, A: 255})), Seed: 99},
		Device: "cpu",
	}, nil
}

type fakeRemote struct {
	img   image.Image
	err   error
	calls int
}

func (f *fakeRemote) Enabled() bool { return true }

func (f *fakeRemote) Generate(context.Context, string, image.Image) (image.Image, error) {
	f.calls++
	return f.img, f.err
}

type fakeEnhancer struct {
	prompts []string
	err     error
}

func (f *fakeEnhancer) Enabled() bool { return true }

func (f *fakeEnhancer) Enhance(_ context.Context, img image.Image, prompt string) (image.Image, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return solid(img.Bounds().Dx(), img.Bounds().Dy(), color.RGBA{B: 255, A: 255}), nil
}

type fakeHistory struct {
	mu   sync.Mutex
	rows []db.Generation
}

func (f *fakeHistory) RecordGeneration(_ context.Context, g db.Generation) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, g)
	return int64(len(f.rows)), nil
}

type env struct {
	orch    *Orchestrator
	local   *fakeLocal
	history *fakeHistory
	metrics *metrics.Store
	dir     string
}

func newEnv(t *testing.T, mutate func(*Options)) env {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "static", "outputs")
	store, err := storage.New(&core.Config{OutputPath: dir, LatestFilename: "latest.png"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	e := env{
		local:   &fakeLocal{t: t},
		history: &fakeHistory{},
		metrics: metrics.NewStore(metrics.DefaultStoreConfig(), time.Now()),
		dir:     dir,
	}
	opts := Options{
		Store:   store,
		Local:   e.local,
		History: e.history,
		Metrics: e.metrics,
		Logger:  zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e.orch, err = New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func sketch(t *testing.T) []byte {
	img := solid(300, 200, color.White)
	for x := 50; x < 250; x++ {
		img.Set(x, 100, color.Black)
	}
	return encode(t, img)
}

func TestGenerateFromSketch_Local(t *testing.T) {
	enh := &fakeEnhancer{}
	e := newEnv(t, func(o *Options) { o.Enhancer = enh })
	uid := int64(7)

	res, err := e.orch.GenerateFromSketch(context.Background(), Request{
		Sketch: sketch(t), Prompt: "signup screen", UserID: &uid, RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("GenerateFromSketch() error = %v", err)
	}

	if !strings.HasPrefix(res.ImagePath, "/static/outputs/out_") || !strings.HasSuffix(res.ImagePath, ".png") {
		t.Errorf("ImagePath = %q", res.ImagePath)
	}
	if res.LatestPath != "/static/outputs/latest.png" {
		t.Errorf("LatestPath = %q", res.LatestPath)
	}
	if res.ImageBase64 != "" {
		t.Error("base64 should be omitted by default")
	}
	if !res.Enhanced || res.Backend != core.BackendLocal || res.Seed != 99 {
		t.Errorf("result = %+v", res)
	}

	p := e.local.params[0]
	if p.Prompt != "signup screen"+StyleSuffix || p.NegativePrompt != NegativePrompt {
		t.Errorf("prompts = %q / %q", p.Prompt, p.NegativePrompt)
	}
	if p.CFGScale != DefaultGuidance || p.Steps != DefaultSteps || p.Seed != -1 {
		t.Errorf("params = cfg %v steps %d seed %d", p.CFGScale, p.Steps, p.Seed)
	}
	if p.Control == nil || p.Control.Bounds().Dx() != 512 {
		t.Error("control image should be the 512px edge map")
	}
	if diff := cmp.Diff([]string{EnhancePrompt("signup screen")}, enh.prompts); diff != "" {
		t.Errorf("enhance prompts (-want +got):\n%s", diff)
	}

	if _, err := os.Stat(filepath.Join(e.dir, "latest.png")); err != nil {
		t.Errorf("latest not written: %v", err)
	}
	if len(e.history.rows) != 1 {
		t.Fatalf("history rows = %d", len(e.history.rows))
	}
	row := e.history.rows[0]
	if row.RequestID != "req-1" || *row.UserID != 7 || row.Status != db.StatusSuccess || row.ImagePath != res.ImagePath {
		t.Errorf("history row = %+v", row)
	}
	if snap := e.metrics.Snapshot(0); snap.Generations.Success != 1 || snap.Generations.Enhanced != 1 {
		t.Errorf("metrics = %+v", snap.Generations)
	}
}

func TestGenerateFromSketch_HFSkipsLocal(t *testing.T) {
	remote := &fakeRemote{img: solid(64, 64, color.Black)}
	enh := &fakeEnhancer{}
	e := newEnv(t, func(o *Options) {
		o.Backend = core.BackendHF
		o.Remote = remote
		o.Enhancer = enh
		o.ReturnBase64 = true
	})

	res, err := e.orch.GenerateFromSketch(context.Background(), Request{Sketch: sketch(t), Prompt: "kanban board", Guidance: 5, Steps: 20})
	if err != nil {
		t.Fatalf("GenerateFromSketch() error = %v", err)
	}
	if len(e.local.params) != 0 {
		t.Error("local pipeline should not run after an hf image")
	}
	if res.Backend != core.BackendHF || res.RequestID == "" {
		t.Errorf("result = %+v", res)
	}
	if diff := cmp.Diff([]string{"kanban board"}, enh.prompts); diff != "" {
		t.Errorf("hf path should enhance with the plain prompt (-want +got):\n%s", diff)
	}
	data, err := base64.StdEncoding.DecodeString(res.ImageBase64)
	if err != nil || !sdruntime.IsPNG(data) {
		t.Errorf("ImageBase64 is not a PNG: %v", err)
	}
}

func TestGenerateFromSketch_HFFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		remote *fakeRemote
	}{
		{"error", &fakeRemote{err: errors.New("503")}},
		{"nil image", &fakeRemote{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, func(o *Options) {
				o.Backend = core.BackendHF
				o.Remote = tt.remote
			})
			res, err := e.orch.GenerateFromSketch(context.Background(), Request{Sketch: sketch(t), Prompt: "p", Guidance: 9, Steps: 12})
			if err != nil {
				t.Fatalf("GenerateFromSketch() error = %v", err)
			}
			if tt.remote.calls != 1 || len(e.local.params) != 1 {
				t.Errorf("remote calls %d, local calls %d", tt.remote.calls, len(e.local.params))
			}
			if e.local.params[0].CFGScale != 9 || e.local.params[0].Steps != 12 {
				t.Errorf("request guidance/steps not used: %+v", e.local.params[0])
			}
			if res.Backend != core.BackendLocal || res.Enhanced {
				t.Errorf("result = %+v", res)
			}
			if !e.history.rows[0].Fallback {
				t.Error("history should mark the fallback")
			}
		})
	}
}

func TestGenerateFromSketch_EnhanceErrorKeepsBase(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.Enhancer = &fakeEnhancer{err: errors.New("hf down")} })
	res, err := e.orch.GenerateFromSketch(context.Background(), Request{Sketch: sketch(t), Prompt: "p"})
	if err != nil {
		t.Fatalf("enhancement errors must not fail the request: %v", err)
	}
	if res.Enhanced {
		t.Error("Enhanced should be false when enhancement failed")
	}
}

func TestGenerateFromSketch_Failures(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	if _, err := e.orch.GenerateFromSketch(ctx, Request{Sketch: sketch(t), Prompt: "  "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("empty prompt error = %v", err)
	}
	if _, err := e.orch.GenerateFromSketch(ctx, Request{Prompt: "p"}); !errors.Is(err, ErrEmptySketch) {
		t.Errorf("empty sketch error = %v", err)
	}
	if _, err := e.orch.GenerateFromSketch(ctx, Request{Sketch: []byte("not an image"), Prompt: "p"}); err == nil {
		t.Error("undecodable sketch should fail")
	}

	e.local.err = &sdruntime.GenerationError{Code: sdruntime.CodeOutOfVRAM, Cause: sdruntime.ErrOutOfVRAM}
	_, err := e.orch.GenerateFromSketch(ctx, Request{Sketch: sketch(t), Prompt: "p"})
	if !errors.Is(err, sdruntime.ErrOutOfVRAM) {
		t.Errorf("local failure error = %v", err)
	}
	last := e.history.rows[len(e.history.rows)-1]
	if last.Status != db.StatusError || last.ErrorMessage == "" || last.Device != "cpu" {
		t.Errorf("failed history row = %+v", last)
	}
}

func TestEnhancePrompt(t *testing.T) {
	want := "Refine and modernize this design. a chat app. Maintain structure, improve aesthetics, add realistic 3D materials and lighting."
	if got := EnhancePrompt("a chat app"); got != want {
		t.Errorf("EnhancePrompt() = %q", got)
	}
}
