package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"printfarm/logger"
)

// httpPollAdapter speaks the JSON-over-HTTP vendor protocol: status is
// polled from /printer/info and /printer/objects/query, uploads go as
// authenticated multipart POSTs, and control commands hit gcode script
// endpoints. The API key travels in the X-Api-Key header.
type httpPollAdapter struct {
	cfg    Config
	frames Sink
	log    *logger.Logger
	client *http.Client

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

const httpPollInterval = 2 * time.Second

func newHTTPPollAdapter(cfg Config, frames Sink, log *logger.Logger) *httpPollAdapter {
	return &httpPollAdapter{
		cfg:    cfg,
		frames: frames,
		log:    log,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *httpPollAdapter) baseURL() string {
	host := a.cfg.Host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/")
}

func (a *httpPollAdapter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if a.cfg.Credentials != "" {
		req.Header.Set("X-Api-Key", a.cfg.Credentials)
	}
	return req, nil
}

func (a *httpPollAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	// Probe before starting the poll loop so Connect reports
	// reachability synchronously.
	frame, err := a.poll(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.running = true
	a.stop = make(chan struct{})
	stop := a.stop
	a.mu.Unlock()

	if a.frames != nil {
		a.frames(frame)
		go a.pollLoop(stop)
	}
	return nil
}

func (a *httpPollAdapter) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(httpPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), httpPollInterval*2)
			frame, err := a.poll(ctx)
			cancel()
			if err != nil {
				if a.log != nil {
					a.log.WarnRateLimited(fmt.Sprintf("httppoll-%d", a.cfg.PrinterID),
						time.Minute, "status poll failed",
						"printer", a.cfg.PrinterID, "error", err)
				}
				continue
			}
			a.frames(frame)
		}
	}
}

// objectsQueryResponse is the /printer/objects/query result shape.
type objectsQueryResponse struct {
	Result struct {
		Status struct {
			PrintStats struct {
				State        string   `json:"state"`
				Filename     string   `json:"filename"`
				PrintSeconds *float64 `json:"print_duration"`
				Info         struct {
					CurrentLayer *int `json:"current_layer"`
					TotalLayer   *int `json:"total_layer"`
				} `json:"info"`
			} `json:"print_stats"`
			HeaterBed struct {
				Temperature *float64 `json:"temperature"`
				Target      *float64 `json:"target"`
			} `json:"heater_bed"`
			Extruder struct {
				Temperature *float64 `json:"temperature"`
				Target      *float64 `json:"target"`
			} `json:"extruder"`
			Fan struct {
				Speed *float64 `json:"speed"` // 0..1
			} `json:"fan"`
			DisplayStatus struct {
				Progress *float64 `json:"progress"` // 0..1
			} `json:"display_status"`
		} `json:"status"`
	} `json:"result"`
}

func (a *httpPollAdapter) poll(ctx context.Context) (StatusFrame, error) {
	req, err := a.newRequest(ctx, http.MethodGet,
		"/printer/objects/query?print_stats&heater_bed&extruder&fan&display_status", nil)
	if err != nil {
		return StatusFrame{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return StatusFrame{}, &Error{Kind: ErrUnreachable, Op: "httppoll query", Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return StatusFrame{}, &Error{Kind: ErrAuthRejected, Op: "httppoll query",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return StatusFrame{}, &Error{Kind: ErrProtocol, Op: "httppoll query",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out objectsQueryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return StatusFrame{}, &Error{Kind: ErrProtocol, Op: "httppoll query", Err: err}
	}

	st := out.Result.Status
	frame := StatusFrame{
		PrinterID:        a.cfg.PrinterID,
		At:               time.Now().UTC(),
		State:            mapPrintStatsState(st.PrintStats.State),
		FileName:         st.PrintStats.Filename,
		BedTemp:          st.HeaterBed.Temperature,
		BedTargetTemp:    st.HeaterBed.Target,
		NozzleTemp:       st.Extruder.Temperature,
		NozzleTargetTemp: st.Extruder.Target,
		CurrentLayer:     st.PrintStats.Info.CurrentLayer,
		TotalLayers:      st.PrintStats.Info.TotalLayer,
	}
	if st.Fan.Speed != nil {
		pct := int(*st.Fan.Speed * 100)
		frame.FanSpeedPct = &pct
	}
	if st.DisplayStatus.Progress != nil {
		pct := *st.DisplayStatus.Progress * 100
		frame.ProgressPct = &pct
	}
	return frame, nil
}

func mapPrintStatsState(s string) DeviceState {
	switch strings.ToLower(s) {
	case "printing":
		return StateRunning
	case "paused":
		return StatePaused
	case "complete":
		return StateFinished
	case "error":
		return StateFailed
	case "standby", "cancelled":
		return StateIdle
	default:
		return StateIdle
	}
}

func (a *httpPollAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		close(a.stop)
		a.running = false
	}
	return nil
}

func (a *httpPollAdapter) Upload(ctx context.Context, data []byte, remoteName string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", remoteName)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := a.newRequest(ctx, http.MethodPost, "/server/files/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return &Error{Kind: ErrUnreachable, Op: "httppoll upload", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &Error{Kind: ErrProtocol, Op: "httppoll upload",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

func (a *httpPollAdapter) StartPrint(ctx context.Context, remoteName string, opts StartOptions) error {
	body, _ := json.Marshal(map[string]string{"filename": remoteName})
	return a.post(ctx, "/printer/print/start", bytes.NewReader(body))
}

func (a *httpPollAdapter) Pause(ctx context.Context) error {
	return a.post(ctx, "/printer/print/pause", nil)
}

func (a *httpPollAdapter) Resume(ctx context.Context) error {
	return a.post(ctx, "/printer/print/resume", nil)
}

func (a *httpPollAdapter) Stop(ctx context.Context) error {
	return a.post(ctx, "/printer/print/cancel", nil)
}

func (a *httpPollAdapter) SetFanSpeed(ctx context.Context, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("fan speed %d out of range", pct)
	}
	script := fmt.Sprintf("M106 S%d", pct*255/100)
	return a.post(ctx, "/printer/gcode/script?script="+url.QueryEscape(script), nil)
}

func (a *httpPollAdapter) SetLights(ctx context.Context, on bool) error {
	v := 0.0
	if on {
		v = 1.0
	}
	script := fmt.Sprintf("SET_PIN PIN=caselight VALUE=%.1f", v)
	return a.post(ctx, "/printer/gcode/script?script="+url.QueryEscape(script), nil)
}

func (a *httpPollAdapter) SkipObjects(ctx context.Context, objectIDs []int) error {
	for _, id := range objectIDs {
		script := fmt.Sprintf("EXCLUDE_OBJECT NAME=object_%d", id)
		if err := a.post(ctx, "/printer/gcode/script?script="+url.QueryEscape(script), nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *httpPollAdapter) post(ctx context.Context, path string, body io.Reader) error {
	req, err := a.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return &Error{Kind: ErrUnreachable, Op: "httppoll command", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: ErrProtocol, Op: "httppoll command",
			Err: fmt.Errorf("%s: status %d", path, resp.StatusCode)}
	}
	return nil
}
