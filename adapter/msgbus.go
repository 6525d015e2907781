package adapter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"printfarm/logger"
)

// msgBusAdapter speaks the TLS pub/sub vendor protocol: one websocket
// connection, a per-device report topic pushed by the broker and a
// command topic accepting JSON envelopes. Credentials are
// "serial|access_code"; the broker uses a self-signed certificate, so
// verification is skipped on the printer's LAN address.
type msgBusAdapter struct {
	cfg    Config
	serial string
	access string
	frames Sink
	log    *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	firstSeen chan struct{}
	done      chan struct{}
}

const msgBusPort = 8883

func newMsgBusAdapter(cfg Config, frames Sink, log *logger.Logger) (*msgBusAdapter, error) {
	serial, access, ok := strings.Cut(cfg.Credentials, "|")
	if !ok || serial == "" || access == "" {
		return nil, &Error{Kind: ErrAuthRejected, Op: "msgbus connect",
			Err: fmt.Errorf("credentials must be serial|access_code")}
	}
	return &msgBusAdapter{cfg: cfg, serial: serial, access: access, frames: frames, log: log}, nil
}

// envelope is the broker's wire frame: a topic plus a raw payload.
type envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// reportPayload is the vendor status report document.
type reportPayload struct {
	Print struct {
		GcodeState   string   `json:"gcode_state"`
		GcodeFile    string   `json:"gcode_file"`
		BedTemper    *float64 `json:"bed_temper"`
		BedTarget    *float64 `json:"bed_target_temper"`
		NozzleTemper *float64 `json:"nozzle_temper"`
		NozzleTarget *float64 `json:"nozzle_target_temper"`
		CoolingFan   *int     `json:"cooling_fan_speed"`
		Percent      *float64 `json:"mc_percent"`
		Remaining    *int     `json:"mc_remaining_time"`
		LayerNum     *int     `json:"layer_num"`
		TotalLayer   *int     `json:"total_layer_num"`
		HMS          []struct {
			Attr int64 `json:"attr"`
			Code int64 `json:"code"`
		} `json:"hms"`
		AMS struct {
			Trays []struct {
				ID        int    `json:"id"`
				TrayType  string `json:"tray_type"`
				TrayColor string `json:"tray_color"`
				Remain    *int   `json:"remain"`
				TagUID    string `json:"tag_uid"`
			} `json:"tray"`
		} `json:"ams"`
	} `json:"print"`
}

func (a *msgBusAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.firstSeen = make(chan struct{})
	a.done = make(chan struct{})
	a.mu.Unlock()

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.access)
	header.Set("X-Device-Serial", a.serial)

	url := fmt.Sprintf("wss://%s:%d/pubsub", a.cfg.Host, msgBusPort)
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &Error{Kind: ErrAuthRejected, Op: "msgbus connect", Err: err}
		}
		return &Error{Kind: ErrUnreachable, Op: "msgbus connect", Err: err}
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()

	// Subscribe to the device report topic and request a full push.
	if err := a.send(envelope{Topic: "subscribe/device/" + a.serial + "/report"}); err != nil {
		a.Disconnect()
		return err
	}
	if err := a.command(map[string]interface{}{
		"pushing": map[string]interface{}{"command": "pushall"},
	}); err != nil {
		a.Disconnect()
		return err
	}

	go a.readLoop()

	// Connect resolves only once the device has reported in.
	select {
	case <-a.firstSeen:
		return nil
	case <-a.done:
		return &Error{Kind: ErrUnreachable, Op: "msgbus connect",
			Err: fmt.Errorf("connection closed before first report")}
	case <-time.After(a.cfg.ConnectTimeout):
		a.Disconnect()
		return &Error{Kind: ErrTimeout, Op: "msgbus connect",
			Err: fmt.Errorf("no report within %s", a.cfg.ConnectTimeout)}
	case <-ctx.Done():
		a.Disconnect()
		return &Error{Kind: ErrTimeout, Op: "msgbus connect", Err: ctx.Err()}
	}
}

func (a *msgBusAdapter) readLoop() {
	defer func() {
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
		close(a.done)
	}()

	first := true
	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if a.log != nil {
				a.log.Debug("msgbus: discarding malformed envelope", "printer", a.cfg.PrinterID, "error", err)
			}
			continue
		}
		if !strings.HasSuffix(env.Topic, "/report") {
			continue
		}

		frame, ok := a.parseReport(env.Payload)
		if !ok {
			continue
		}
		if first {
			first = false
			close(a.firstSeen)
		}
		if a.frames != nil {
			a.frames(frame)
		}
	}
}

func (a *msgBusAdapter) parseReport(raw json.RawMessage) (StatusFrame, bool) {
	var rep reportPayload
	if err := json.Unmarshal(raw, &rep); err != nil {
		return StatusFrame{}, false
	}

	frame := StatusFrame{
		PrinterID:        a.cfg.PrinterID,
		At:               time.Now().UTC(),
		State:            mapGcodeState(rep.Print.GcodeState),
		FileName:         rep.Print.GcodeFile,
		BedTemp:          rep.Print.BedTemper,
		BedTargetTemp:    rep.Print.BedTarget,
		NozzleTemp:       rep.Print.NozzleTemper,
		NozzleTargetTemp: rep.Print.NozzleTarget,
		FanSpeedPct:      rep.Print.CoolingFan,
		ProgressPct:      rep.Print.Percent,
		RemainingMinutes: rep.Print.Remaining,
		CurrentLayer:     rep.Print.LayerNum,
		TotalLayers:      rep.Print.TotalLayer,
	}
	for _, h := range rep.Print.HMS {
		frame.ErrorCodes = append(frame.ErrorCodes, formatHMSCode(h.Attr, h.Code))
	}
	for _, tray := range rep.Print.AMS.Trays {
		frame.Slots = append(frame.Slots, SlotReading{
			SlotNumber:   tray.ID + 1, // vendor trays are 0-based
			MaterialType: tray.TrayType,
			ColorHex:     normalizeTrayColor(tray.TrayColor),
			RemainingPct: tray.Remain,
			RFIDTag:      tray.TagUID,
		})
	}
	return frame, true
}

// formatHMSCode renders the vendor's packed attr/code pair as the
// structured "DDDD_MMMM_CCCC_SSSS" identifier.
func formatHMSCode(attr, code int64) string {
	return fmt.Sprintf("%04X_%04X_%04X_%04X",
		uint16(attr>>16), uint16(attr), uint16(code>>16), uint16(code))
}

// normalizeTrayColor strips the vendor's trailing alpha byte and adds
// the leading hash.
func normalizeTrayColor(c string) string {
	c = strings.TrimPrefix(strings.ToUpper(c), "#")
	if len(c) == 8 {
		c = c[:6]
	}
	if len(c) != 6 {
		return ""
	}
	return "#" + c
}

func mapGcodeState(s string) DeviceState {
	switch strings.ToUpper(s) {
	case "RUNNING":
		return StateRunning
	case "PREPARE", "SLICING":
		return StatePrepare
	case "PAUSE":
		return StatePaused
	case "FAILED":
		return StateFailed
	case "FINISH", "SUCCESS":
		return StateFinished
	default:
		return StateIdle
	}
}

func (a *msgBusAdapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.connected = false
	a.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func (a *msgBusAdapter) send(env envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return &Error{Kind: ErrUnreachable, Op: "msgbus send", Err: fmt.Errorf("not connected")}
	}
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := a.conn.WriteJSON(env); err != nil {
		return &Error{Kind: ErrUnreachable, Op: "msgbus send", Err: err}
	}
	return nil
}

// command publishes a JSON envelope on the device request topic.
func (a *msgBusAdapter) command(body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return a.send(envelope{Topic: "device/" + a.serial + "/request", Payload: payload})
}

func (a *msgBusAdapter) Upload(ctx context.Context, data []byte, remoteName string) error {
	// The message-bus vendor takes uploads over an FTPS sidecar in the
	// field; here the broker accepts chunked binary frames on a file
	// topic, acknowledged with a result envelope.
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return &Error{Kind: ErrUnreachable, Op: "msgbus upload", Err: fmt.Errorf("not connected")}
	}

	if err := a.command(map[string]interface{}{
		"upload": map[string]interface{}{
			"command": "start",
			"name":    remoteName,
			"size":    len(data),
		},
	}); err != nil {
		return err
	}

	const chunk = 256 * 1024
	for off := 0; off < len(data); off += chunk {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: ErrTimeout, Op: "msgbus upload", Err: err}
		}
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		a.mu.Lock()
		conn = a.conn
		if conn == nil {
			a.mu.Unlock()
			return &Error{Kind: ErrUnreachable, Op: "msgbus upload", Err: fmt.Errorf("connection lost")}
		}
		conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		err := conn.WriteMessage(websocket.BinaryMessage, data[off:end])
		a.mu.Unlock()
		if err != nil {
			return &Error{Kind: ErrUnreachable, Op: "msgbus upload", Err: err}
		}
	}

	return a.command(map[string]interface{}{
		"upload": map[string]interface{}{"command": "finish", "name": remoteName},
	})
}

func (a *msgBusAdapter) StartPrint(ctx context.Context, remoteName string, opts StartOptions) error {
	body := map[string]interface{}{
		"print": map[string]interface{}{
			"command":      "project_file",
			"file":         remoteName,
			"bed_leveling": opts.BedLeveling,
			"flow_cali":    opts.FlowCalibr,
			"timelapse":    opts.TimelapseOn,
			"plate_idx":    opts.PlateNumber,
		},
	}
	if len(opts.AMSMapping) > 0 {
		body["print"].(map[string]interface{})["ams_mapping"] = opts.AMSMapping
	}
	return a.command(body)
}

func (a *msgBusAdapter) Pause(ctx context.Context) error {
	return a.command(map[string]interface{}{"print": map[string]interface{}{"command": "pause"}})
}

func (a *msgBusAdapter) Resume(ctx context.Context) error {
	return a.command(map[string]interface{}{"print": map[string]interface{}{"command": "resume"}})
}

func (a *msgBusAdapter) Stop(ctx context.Context) error {
	return a.command(map[string]interface{}{"print": map[string]interface{}{"command": "stop"}})
}

func (a *msgBusAdapter) SetFanSpeed(ctx context.Context, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("fan speed %d out of range", pct)
	}
	return a.command(map[string]interface{}{
		"print": map[string]interface{}{"command": "gcode_line",
			"param": fmt.Sprintf("M106 P1 S%d", pct*255/100)},
	})
}

func (a *msgBusAdapter) SetLights(ctx context.Context, on bool) error {
	mode := "off"
	if on {
		mode = "on"
	}
	return a.command(map[string]interface{}{
		"system": map[string]interface{}{"command": "ledctrl", "led_node": "chamber_light", "led_mode": mode},
	})
}

func (a *msgBusAdapter) SkipObjects(ctx context.Context, objectIDs []int) error {
	return a.command(map[string]interface{}{
		"print": map[string]interface{}{"command": "skip_objects", "obj_list": objectIDs},
	})
}
