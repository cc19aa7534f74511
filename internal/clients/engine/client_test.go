package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/easel-sd/easel/internal/models"
)

func b64(data string) string {
	return base64.StdEncoding.EncodeToString([]byte(data))
}

func TestTxt2Img(t *testing.T) {
	var gotBody GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/txt2img" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{
				{"b64_json": b64("png-bytes"), "revised_prompt": "a fluffy cat"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient()
	steps := 9
	images, err := c.Txt2Img(context.Background(), srv.URL, &GenerateRequest{
		Prompt: "cat",
		Width:  512,
		Height: 512,
		Steps:  &steps,
	})
	if err != nil {
		t.Fatalf("Txt2Img() error = %v", err)
	}

	if gotBody.Steps == nil || *gotBody.Steps != 9 {
		t.Errorf("engine received steps = %v, want 9", gotBody.Steps)
	}
	if gotBody.Width != 512 || gotBody.Height != 512 {
		t.Errorf("engine received %dx%d", gotBody.Width, gotBody.Height)
	}
	if len(images) != 1 {
		t.Fatalf("len(images) = %d, want 1", len(images))
	}
	if string(images[0].Data) != "png-bytes" {
		t.Errorf("decoded image = %q", images[0].Data)
	}
	if images[0].RevisedPrompt != "a fluffy cat" {
		t.Errorf("revised prompt = %q", images[0].RevisedPrompt)
	}
}

func TestImg2ImgRequiresSource(t *testing.T) {
	c := NewClient()
	_, err := c.Img2Img(context.Background(), "http://127.0.0.1:1", &GenerateRequest{Prompt: "p"})
	if !errors.Is(err, models.ErrJobInvalid) {
		t.Errorf("error = %v, want ErrJobInvalid", err)
	}
}

func TestGenerateEngineErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"http 500", http.StatusInternalServerError, "boom", models.ErrEngineHTTP},
		{"empty data", http.StatusOK, `{"data":[]}`, models.ErrEngineBadResponse},
		{"not json", http.StatusOK, "<html>", models.ErrEngineBadResponse},
		{"bad base64", http.StatusOK, `{"data":[{"b64_json":"!!!"}]}`, models.ErrEngineBadResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient().Txt2Img(context.Background(), srv.URL, &GenerateRequest{Prompt: "p"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUpscale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sdapi/v1/extra-single-image" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req UpscaleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.UpscalingResize != 2 {
			t.Errorf("upscaling_resize = %f", req.UpscalingResize)
		}
		json.NewEncoder(w).Encode(map[string]string{"image": b64("bigger")})
	}))
	defer srv.Close()

	img, err := NewClient().Upscale(context.Background(), srv.URL, &UpscaleRequest{
		Image:           b64("small"),
		UpscalingResize: 2,
	})
	if err != nil {
		t.Fatalf("Upscale() error = %v", err)
	}
	if string(img.Data) != "bigger" {
		t.Errorf("image = %q", img.Data)
	}
}

func TestAppendExtraArgs(t *testing.T) {
	if got := AppendExtraArgs("a cat", nil); got != "a cat" {
		t.Errorf("empty extras changed prompt: %q", got)
	}

	got := AppendExtraArgs("a cat", map[string]interface{}{"clip_skip": 2})
	if !strings.HasPrefix(got, "a cat<sd_cpp_extra_args>") || !strings.HasSuffix(got, "</sd_cpp_extra_args>") {
		t.Fatalf("suffix framing wrong: %q", got)
	}

	payload := strings.TrimSuffix(strings.TrimPrefix(got, "a cat<sd_cpp_extra_args>"), "</sd_cpp_extra_args>")
	var extras map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &extras); err != nil {
		t.Fatalf("suffix payload not JSON: %v", err)
	}
	if extras["clip_skip"] != float64(2) {
		t.Errorf("clip_skip = %v", extras["clip_skip"])
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound) // engines without /health still count as up
	}))
	defer srv.Close()

	if err := NewClient().Ping(context.Background(), srv.URL); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	srv.Close()
	if err := NewClient().Ping(context.Background(), srv.URL); err == nil {
		t.Error("Ping() on closed server succeeded")
	}
}
