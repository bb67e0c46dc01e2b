package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/permission"
	"github.com/MrWong99/earshot/internal/server"
	"github.com/MrWong99/earshot/pkg/audio"
	loopmock "github.com/MrWong99/earshot/pkg/audio/loopback/mock"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

const wait = 2 * time.Second

type fixture struct {
	srv     *httptest.Server
	ctrl    *capture.Controller
	hub     *events.Hub
	backend *loopmock.Backend

	mu     sync.Mutex
	opened []string
}

func newFixture(t *testing.T, backend *loopmock.Backend) *fixture {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	store, err := vad.NewStore(vad.DefaultSettings())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	hub := events.NewHub(events.WithMetrics(metrics))
	ctrl, err := capture.New(capture.Config{
		Backend:  backend,
		Settings: store,
		Emitter:  hub,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}

	f := &fixture{ctrl: ctrl, hub: hub, backend: backend}
	perm := permission.New(ctrl,
		permission.WithGOOS("windows"),
		permission.WithProbeDuration(20*time.Millisecond),
		permission.WithOpener(func(u string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.opened = append(f.opened, u)
			return nil
		}),
	)

	s, err := server.New(server.Config{
		Controller: ctrl,
		Hub:        hub,
		Permission: perm,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
		hub.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

type errorResponse struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func wantError(t *testing.T, resp *http.Response, body []byte, status int, kind string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, body)
	}
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	if e.Error.Kind != kind {
		t.Errorf("kind = %q, want %q", e.Error.Kind, kind)
	}
	if e.Error.Message == "" {
		t.Error("error message is empty")
	}
}

// ─── Capture ─────────────────────────────────────────────────────────────────

func TestStartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &loopmock.Backend{})

	resp, body := f.do(t, http.MethodPost, "/v1/capture/start", `{"device_hint":"cable"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d, body %s", resp.StatusCode, body)
	}
	var info capture.SessionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if info.Backend != loopmock.Name || info.DeviceHint != "cable" || info.ID == "" {
		t.Errorf("session info = %+v", info)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/capture/start", "")
	wantError(t, resp, body, http.StatusConflict, "AlreadyCapturing")

	resp, body = f.do(t, http.MethodGet, "/v1/capture/status", "")
	var st capture.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !st.Capturing || st.Session == nil || st.Session.ID != info.ID {
		t.Errorf("status = %+v", st)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/capture/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: status %d, body %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/capture/stop", "")
	wantError(t, resp, body, http.StatusConflict, "NotCapturing")
}

func TestStart_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"setup required", audio.ErrSetupRequired, http.StatusFailedDependency, "SetupRequired"},
		{"device init", audio.InitError("pulse", "connect", errors.New("refused")), http.StatusBadGateway, "DeviceInitFailed"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, server.KindInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, &loopmock.Backend{OpenErr: tc.err})
			resp, body := f.do(t, http.MethodPost, "/v1/capture/start", "")
			wantError(t, resp, body, tc.status, tc.kind)
			if f.ctrl.IsCapturing() {
				t.Error("controller should be idle after a failed start")
			}
		})
	}
}

func TestStart_BadBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &loopmock.Backend{})
	resp, body := f.do(t, http.MethodPost, "/v1/capture/start", `{"device":"x"}`)
	wantError(t, resp, body, http.StatusBadRequest, server.KindBadRequest)
}

func TestProbe(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &loopmock.Backend{
		Batches: [][]float32{loopmock.Tone(16000, vad.WindowSize, 440, 0.5)},
	})

	resp, body := f.do(t, http.MethodPost, "/v1/capture/probe?seconds=0.05", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("probe: status %d, body %s", resp.StatusCode, body)
	}
	var lvl capture.Level
	if err := json.Unmarshal(body, &lvl); err != nil {
		t.Fatalf("decode level: %v", err)
	}
	if lvl.Samples != vad.WindowSize || lvl.Peak < 0.4 {
		t.Errorf("level = %+v", lvl)
	}

	for _, q := range []string{"seconds=abc", "seconds=-1", "seconds=60"} {
		resp, body := f.do(t, http.MethodPost, "/v1/capture/probe?"+q, "")
		wantError(t, resp, body, http.StatusBadRequest, server.KindBadRequest)
	}
}

// ─── Devices ─────────────────────────────────────────────────────────────────

func TestDevices(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &loopmock.Backend{DevicesResult: []audio.Device{
		{ID: "1", Name: "BlackHole 2ch", Score: 100},
		{ID: "2", Name: "Speakers", IsDefault: true, Score: 10},
	}})

	resp, body := f.do(t, http.MethodGet, "/v1/devices", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(names, "|") != "BlackHole 2ch|Speakers" {
		t.Errorf("names = %v", names)
	}

	_, body = f.do(t, http.MethodGet, "/v1/devices?verbose=1", "")
	var devs []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		IsDefault bool   `json:"is_default"`
		Score     int    `json:"score"`
	}
	if err := json.Unmarshal(body, &devs); err != nil {
		t.Fatalf("decode verbose: %v", err)
	}
	if len(devs) != 2 || devs[0].Score != 100 || !devs[1].IsDefault {
		t.Errorf("verbose devices = %+v", devs)
	}
}

// ─── Settings ────────────────────────────────────────────────────────────────

func TestSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &loopmock.Backend{})

	decode := func(t *testing.T, body []byte) vad.Settings {
		t.Helper()
		var s vad.Settings
		if err := json.Unmarshal(body, &s); err != nil {
			t.Fatalf("decode settings %s: %v", body, err)
		}
		return s
	}

	_, body := f.do(t, http.MethodGet, "/v1/settings", "")
	if got := decode(t, body); got != vad.DefaultSettings() {
		t.Errorf("initial settings = %+v", got)
	}

	resp, body := f.do(t, http.MethodPut, "/v1/settings/silence_windows_to_end", `{"value": 150}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set: status %d, body %s", resp.StatusCode, body)
	}
	if got := decode(t, body); got.SilenceWindowsToEnd != 150 {
		t.Errorf("silence_windows_to_end = %d, want 150", got.SilenceWindowsToEnd)
	}

	resp, body = f.do(t, http.MethodPut, "/v1/settings/vad_rms_threshold", `{"value": 0.5}`)
	wantError(t, resp, body, http.StatusUnprocessableEntity, server.KindValidation)
	if got := f.ctrl.Settings().Snapshot().RMSThreshold; got != vad.DefaultSettings().RMSThreshold {
		t.Errorf("rejected update changed rms threshold to %v", got)
	}

	resp, body = f.do(t, http.MethodPut, "/v1/settings/loudness", `{"value": 1}`)
	wantError(t, resp, body, http.StatusNotFound, server.KindUnknownSetting)

	resp, body = f.do(t, http.MethodPut, "/v1/settings/min_speech_windows", `{}`)
	wantError(t, resp, body, http.StatusBadRequest, server.KindBadRequest)

	resp, body = f.do(t, http.MethodPut, "/v1/settings", `{"min_speech_windows": 5, "pre_speech_windows": 5000}`)
	wantError(t, resp, body, http.StatusUnprocessableEntity, server.KindValidation)
	if got := f.ctrl.Settings().Snapshot().MinSpeechWindows; got != vad.DefaultSettings().MinSpeechWindows {
		t.Errorf("rejected replace changed min_speech_windows to %d", got)
	}

	resp, body = f.do(t, http.MethodPut, "/v1/settings", `{"min_speech_windows": 5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replace: status %d, body %s", resp.StatusCode, body)
	}
	if got := decode(t, body); got.MinSpeechWindows != 5 || got.SilenceWindowsToEnd != 150 {
		t.Errorf("after replace = %+v", got)
	}

	_, body = f.do(t, http.MethodPost, "/v1/settings/reset", "")
	if got := decode(t, body); got != vad.DefaultSettings() {
		t.Errorf("after reset = %+v", got)
	}
}

// ─── Permission ──────────────────────────────────────────────────────────────

func TestPermission(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &loopmock.Backend{
		Batches: [][]float32{loopmock.Silence(256)},
	})

	resp, body := f.do(t, http.MethodGet, "/v1/permission", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check: status %d", resp.StatusCode)
	}
	var got struct {
		Granted bool `json:"granted"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Granted {
		t.Error("granted = false, want true once samples arrive")
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/permission/request", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("request: status %d, want 204", resp.StatusCode)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) != 1 || f.opened[0] != permission.WindowsSettingsURL {
		t.Errorf("opened = %v", f.opened)
	}
}

// ─── Health & metrics ────────────────────────────────────────────────────────

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &loopmock.Backend{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, _ := f.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d", path, resp.StatusCode)
		}
	}
}

// ─── Event stream ────────────────────────────────────────────────────────────

func dial(t *testing.T, f *fixture, query string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events" + query
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: subprotocols})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	deadline := time.Now().Add(wait)
	for f.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestEvents_JSON(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &loopmock.Backend{})
	conn := dial(t, f, "?types=speech-start")

	f.hub.Emit(events.New(events.AudioLevel, events.AudioLevelPayload{RMS: 0.1}))
	f.hub.Emit(events.New(events.SpeechStart, events.SpeechStartPayload{RMS: 0.2, Peak: 0.4}))

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v, want text", typ)
	}
	var got struct {
		Type    events.Type               `json:"type"`
		Payload events.SpeechStartPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if got.Type != events.SpeechStart || got.Payload.Peak != 0.4 {
		t.Errorf("event = %+v, want filtered speech-start", got)
	}
}

func TestEvents_Msgpack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &loopmock.Backend{})
	conn := dial(t, f, "", events.SubprotocolMsgpack)
	if conn.Subprotocol() != events.SubprotocolMsgpack {
		t.Fatalf("subprotocol = %q", conn.Subprotocol())
	}

	f.hub.Emit(events.New(events.SpeechDetected, events.SpeechDetectedPayload{Seq: 7, Audio: "UklGRg==", SampleRate: 16000}))

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Errorf("message type = %v, want binary", typ)
	}
	var got struct {
		Type    events.Type                  `msgpack:"type"`
		Payload events.SpeechDetectedPayload `msgpack:"payload"`
	}
	if err := msgpack.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != events.SpeechDetected || got.Payload.Seq != 7 || got.Payload.Audio != "UklGRg==" {
		t.Errorf("event = %+v", got)
	}
}

func TestEvents_UnknownType(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &loopmock.Backend{})
	resp, body := f.do(t, http.MethodGet, "/v1/events?types=speech-start,bogus", "")
	wantError(t, resp, body, http.StatusBadRequest, server.KindBadRequest)
}
