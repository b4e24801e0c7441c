package sdapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetProgress(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/progress" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"progress":     0.42,
			"eta_relative": 12.5,
			"state": map[string]any{
				"job_timestamp": "20240801123000",
				"job":           "img2img",
			},
		})
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL})
	info, err := client.GetProgress(context.Background())
	if err != nil {
		t.Fatalf("GetProgress error: %v", err)
	}
	if info.Progress != 0.42 {
		t.Fatalf("progress mismatch: %v", info.Progress)
	}
	if info.State.JobTimestamp != "20240801123000" {
		t.Fatalf("job timestamp mismatch: %q", info.State.JobTimestamp)
	}
}

func TestImg2ImgSendsScriptArgs(t *testing.T) {
	var captured Img2ImgRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/img2img" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Img2ImgResponse{Images: []string{"b64-out"}})
	}))
	defer ts.Close()

	cfg := DefaultProcessingConfig()
	payload := cfg.Img2ImgPayload([]string{"b64-in"}, "a castle", "blurry", 768, 512)

	client := NewClient(Options{BaseURL: ts.URL})
	resp, err := client.Img2Img(context.Background(), payload)
	if err != nil {
		t.Fatalf("Img2Img error: %v", err)
	}
	if len(resp.Images) != 1 || resp.Images[0] != "b64-out" {
		t.Fatalf("unexpected images: %#v", resp.Images)
	}
	if captured.ScriptName != "SD upscale" {
		t.Fatalf("script name mismatch: %q", captured.ScriptName)
	}
	if len(captured.ScriptArgs) != 4 {
		t.Fatalf("script args length mismatch: %#v", captured.ScriptArgs)
	}
	if captured.ScriptArgs[0] != "" {
		t.Fatalf("expected leading empty script arg, got %#v", captured.ScriptArgs[0])
	}
	if captured.ScriptArgs[2] != "Lanczos" {
		t.Fatalf("upscaler arg mismatch: %#v", captured.ScriptArgs[2])
	}
	if captured.Width != 768 || captured.Height != 512 {
		t.Fatalf("dimensions mismatch: %dx%d", captured.Width, captured.Height)
	}
	if captured.SaveImages {
		t.Fatalf("first pass must not save images")
	}
}

func TestExtraSingleImagePayload(t *testing.T) {
	var captured ExtrasRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/extra-single-image" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ExtrasResponse{})
	}))
	defer ts.Close()

	cfg := DefaultProcessingConfig()
	client := NewClient(Options{BaseURL: ts.URL})
	if _, err := client.ExtraSingleImage(context.Background(), cfg.ExtrasPayload("b64-pass1", 1.5)); err != nil {
		t.Fatalf("ExtraSingleImage error: %v", err)
	}
	if captured.Image != "b64-pass1" {
		t.Fatalf("image mismatch: %q", captured.Image)
	}
	if captured.UpscalingResize != 1.5 {
		t.Fatalf("resize mismatch: %v", captured.UpscalingResize)
	}
	if captured.Upscaler1 != "None" {
		t.Fatalf("upscaler_1 mismatch: %q", captured.Upscaler1)
	}
	if !captured.SaveImages {
		t.Fatalf("second pass must save images server-side")
	}
}

func TestStatusErrorSurfaced(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine busy", http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL})
	_, err := client.GetProgress(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Status != http.StatusInternalServerError {
		t.Fatalf("status mismatch: %d", statusErr.Status)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/memory" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL})
	if !client.HealthCheck(context.Background()) {
		t.Fatalf("expected healthy engine")
	}

	ts.Close()
	if client.HealthCheck(context.Background()) {
		t.Fatalf("expected unhealthy engine after close")
	}
}

func TestInterrupt(t *testing.T) {
	var called bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/interrupt" || r.Method != http.MethodPost {
			t.Fatalf("unexpected call: %s %s", r.Method, r.URL.Path)
		}
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL})
	if err := client.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt error: %v", err)
	}
	if !called {
		t.Fatalf("interrupt endpoint not called")
	}
}
