package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"printfarm/storage"
)

func TestNewDispatchesByAPIType(t *testing.T) {
	t.Parallel()

	a, err := New(storage.APITypeMsgBus, Config{Host: "h", Credentials: "SER123|code"}, nil, nil)
	if err != nil {
		t.Fatalf("msgbus: %v", err)
	}
	if _, ok := a.(*msgBusAdapter); !ok {
		t.Errorf("msgbus adapter type = %T", a)
	}

	a, err = New(storage.APITypeHTTPPoll, Config{Host: "h"}, nil, nil)
	if err != nil {
		t.Fatalf("httppoll: %v", err)
	}
	if _, ok := a.(*httpPollAdapter); !ok {
		t.Errorf("httppoll adapter type = %T", a)
	}

	a, err = New(storage.APITypeFileSession, Config{Host: "h", Credentials: "u|p"}, nil, nil)
	if err != nil {
		t.Fatalf("filesession: %v", err)
	}
	if _, ok := a.(*fileSessionAdapter); !ok {
		t.Errorf("filesession adapter type = %T", a)
	}

	if _, err := New("telnet", Config{}, nil, nil); err == nil {
		t.Error("expected error for unknown api type")
	}
}

func TestMsgBusRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	_, err := newMsgBusAdapter(Config{Host: "h", Credentials: "no-separator"}, nil, nil)
	var te *Error
	if !errors.As(err, &te) || te.Kind != ErrAuthRejected {
		t.Fatalf("expected auth_rejected, got %v", err)
	}
}

func TestMsgBusParseReport(t *testing.T) {
	t.Parallel()
	a, err := newMsgBusAdapter(Config{PrinterID: 7, Credentials: "S|C"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	raw := json.RawMessage(`{
		"print": {
			"gcode_state": "RUNNING",
			"gcode_file": "clip.3mf",
			"bed_temper": 60.5,
			"nozzle_temper": 215.0,
			"mc_percent": 42.0,
			"mc_remaining_time": 58,
			"layer_num": 120,
			"total_layer_num": 300,
			"hms": [{"attr": 117440768, "code": 65537}],
			"ams": {"tray": [
				{"id": 0, "tray_type": "PLA", "tray_color": "FF0000FF", "remain": 80, "tag_uid": "TAG-ABC"},
				{"id": 1, "tray_type": "PETG", "tray_color": "00FF00FF"}
			]}
		}
	}`)

	frame, ok := a.parseReport(raw)
	if !ok {
		t.Fatal("parseReport failed")
	}
	if frame.PrinterID != 7 || frame.State != StateRunning || frame.FileName != "clip.3mf" {
		t.Errorf("frame basics wrong: %+v", frame)
	}
	if frame.BedTemp == nil || *frame.BedTemp != 60.5 {
		t.Error("bed temp not parsed")
	}
	if frame.ProgressPct == nil || *frame.ProgressPct != 42.0 {
		t.Error("progress not parsed")
	}
	if len(frame.Slots) != 2 {
		t.Fatalf("slots = %d", len(frame.Slots))
	}
	s1 := frame.Slots[0]
	if s1.SlotNumber != 1 || s1.ColorHex != "#FF0000" || s1.RFIDTag != "TAG-ABC" {
		t.Errorf("slot 1 = %+v", s1)
	}
	if s1.RemainingPct == nil || *s1.RemainingPct != 80 {
		t.Error("remaining pct not parsed")
	}
	if frame.Slots[1].RemainingPct != nil {
		t.Error("absent remain should stay nil")
	}
	if len(frame.ErrorCodes) != 1 || frame.ErrorCodes[0] != "0700_0100_0001_0001" {
		t.Errorf("error codes = %v", frame.ErrorCodes)
	}
}

func TestNormalizeTrayColor(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"FF0000FF": "#FF0000",
		"00ff00":   "#00FF00",
		"#AABBCC":  "#AABBCC",
		"bogus":    "",
		"":         "",
	}
	for in, want := range cases {
		if got := normalizeTrayColor(in); got != want {
			t.Errorf("normalizeTrayColor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPPollConnectAndFrames(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/printer/objects/query") {
			w.Write([]byte(`{"result": {"status": {
				"print_stats": {"state": "printing", "filename": "part.gcode",
					"info": {"current_layer": 10, "total_layer": 50}},
				"heater_bed": {"temperature": 59.8, "target": 60},
				"extruder": {"temperature": 209.5, "target": 210},
				"fan": {"speed": 0.5},
				"display_status": {"progress": 0.25}
			}}}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	var got StatusFrame
	a := newHTTPPollAdapter(Config{PrinterID: 3, Host: srv.URL, Credentials: "key-1",
		ConnectTimeout: 5 * time.Second}, func(f StatusFrame) { got = f }, nil)
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got.State != StateRunning || got.FileName != "part.gcode" {
		t.Errorf("frame = %+v", got)
	}
	if got.FanSpeedPct == nil || *got.FanSpeedPct != 50 {
		t.Error("fan speed not scaled to percent")
	}
	if got.ProgressPct == nil || *got.ProgressPct != 25 {
		t.Error("progress not scaled to percent")
	}
}

func TestHTTPPollAuthRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newHTTPPollAdapter(Config{Host: srv.URL, Credentials: "wrong",
		ConnectTimeout: 5 * time.Second}, nil, nil)
	err := a.Connect(context.Background())
	if KindOf(err) != ErrAuthRejected {
		t.Fatalf("expected auth_rejected, got %v", err)
	}
}

func TestFileSessionLoginAndUpload(t *testing.T) {
	t.Parallel()

	var uploaded string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			var creds map[string]string
			json.NewDecoder(r.Body).Decode(&creds)
			if creds["username"] != "maker" || creds["password"] != "ws" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "tok"})
		case "/api/job/status":
			w.Write([]byte(`{"state": "standby"}`))
		case "/api/files/upload":
			if c, err := r.Cookie("session"); err != nil || c.Value != "tok" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			f, hdr, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.Close()
			uploaded = hdr.Filename
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := newFileSessionAdapter(Config{Host: srv.URL, Credentials: "maker|ws",
		ConnectTimeout: 5 * time.Second}, nil, nil)
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Upload(context.Background(), []byte("gcode"), "part.gcode"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if uploaded != "part.gcode" {
		t.Errorf("uploaded file name = %q", uploaded)
	}
}

func TestDeviceStateHelpers(t *testing.T) {
	t.Parallel()
	if !StateRunning.IsPrinting() || !StatePrepare.IsPrinting() {
		t.Error("running/prepare should count as printing")
	}
	if StateIdle.IsPrinting() || StateFinished.IsPrinting() {
		t.Error("idle/finished should not count as printing")
	}
	if !StateFinished.IsTerminal() || !StateFailed.IsTerminal() {
		t.Error("finished/failed should be terminal")
	}
	if StatePaused.IsTerminal() {
		t.Error("paused is not terminal")
	}
}
