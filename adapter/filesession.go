package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"printfarm/logger"
)

// fileSessionAdapter speaks the session-cookie vendor protocol: a login
// POST yields a session cookie, uploads and status calls ride on it.
// This vendor reports coarser status than the others, so many frame
// fields stay nil. Credentials are "username|password".
type fileSessionAdapter struct {
	cfg    Config
	user   string
	pass   string
	frames Sink
	log    *logger.Logger
	client *http.Client

	mu       sync.Mutex
	loggedIn bool
	stop     chan struct{}
}

const fileSessionPollInterval = 5 * time.Second

func newFileSessionAdapter(cfg Config, frames Sink, log *logger.Logger) *fileSessionAdapter {
	jar, _ := cookiejar.New(nil)
	user, pass, _ := strings.Cut(cfg.Credentials, "|")
	return &fileSessionAdapter{
		cfg:    cfg,
		user:   user,
		pass:   pass,
		frames: frames,
		log:    log,
		client: &http.Client{Timeout: 15 * time.Second, Jar: jar},
	}
}

func (a *fileSessionAdapter) baseURL() string {
	host := a.cfg.Host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/")
}

func (a *fileSessionAdapter) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"username": a.user, "password": a.pass})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+"/api/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return &Error{Kind: ErrUnreachable, Op: "filesession login", Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: ErrAuthRejected, Op: "filesession login",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return &Error{Kind: ErrProtocol, Op: "filesession login",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	a.mu.Lock()
	a.loggedIn = true
	a.mu.Unlock()
	return nil
}

func (a *fileSessionAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.loggedIn {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.login(ctx); err != nil {
		return err
	}
	frame, err := a.poll(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.stop = make(chan struct{})
	stop := a.stop
	a.mu.Unlock()

	if a.frames != nil {
		a.frames(frame)
		go a.pollLoop(stop)
	}
	return nil
}

func (a *fileSessionAdapter) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(fileSessionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), fileSessionPollInterval*2)
			frame, err := a.poll(ctx)
			cancel()
			if err != nil {
				// Session cookies expire; re-login once, then wait for
				// the next tick.
				if KindOf(err) == ErrAuthRejected {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					a.login(ctx)
					cancel()
				}
				continue
			}
			a.frames(frame)
		}
	}
}

func (a *fileSessionAdapter) poll(ctx context.Context) (StatusFrame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL()+"/api/job/status", nil)
	if err != nil {
		return StatusFrame{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return StatusFrame{}, &Error{Kind: ErrUnreachable, Op: "filesession status", Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return StatusFrame{}, &Error{Kind: ErrAuthRejected, Op: "filesession status",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return StatusFrame{}, &Error{Kind: ErrProtocol, Op: "filesession status",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out struct {
		State    string   `json:"state"`
		FileName string   `json:"file_name"`
		Progress *float64 `json:"progress"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return StatusFrame{}, &Error{Kind: ErrProtocol, Op: "filesession status", Err: err}
	}

	return StatusFrame{
		PrinterID:   a.cfg.PrinterID,
		At:          time.Now().UTC(),
		State:       mapPrintStatsState(out.State),
		FileName:    out.FileName,
		ProgressPct: out.Progress,
	}, nil
}

func (a *fileSessionAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	}
	a.loggedIn = false
	return nil
}

func (a *fileSessionAdapter) Upload(ctx context.Context, data []byte, remoteName string) error {
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+"/api/files/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return &Error{Kind: ErrUnreachable, Op: "filesession upload", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &Error{Kind: ErrProtocol, Op: "filesession upload",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

func (a *fileSessionAdapter) StartPrint(ctx context.Context, remoteName string, opts StartOptions) error {
	body, _ := json.Marshal(map[string]string{"file_name": remoteName})
	return a.post(ctx, "/api/job/start", bytes.NewReader(body))
}

func (a *fileSessionAdapter) Pause(ctx context.Context) error {
	return a.post(ctx, "/api/job/pause", nil)
}

func (a *fileSessionAdapter) Resume(ctx context.Context) error {
	return a.post(ctx, "/api/job/resume", nil)
}

func (a *fileSessionAdapter) Stop(ctx context.Context) error {
	return a.post(ctx, "/api/job/cancel", nil)
}

// The session vendor has no fan, light, or object-skip surface; the
// commands report rejection rather than silently succeeding.

func (a *fileSessionAdapter) SetFanSpeed(ctx context.Context, pct int) error {
	return fmt.Errorf("fan control not supported by this printer")
}

func (a *fileSessionAdapter) SetLights(ctx context.Context, on bool) error {
	return fmt.Errorf("light control not supported by this printer")
}

func (a *fileSessionAdapter) SkipObjects(ctx context.Context, objectIDs []int) error {
	return fmt.Errorf("object skip not supported by this printer")
}

func (a *fileSessionAdapter) post(ctx context.Context, path string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return &Error{Kind: ErrUnreachable, Op: "filesession command", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: ErrProtocol, Op: "filesession command",
			Err: fmt.Errorf("%s: status %d", path, resp.StatusCode)}
	}
	return nil
}
