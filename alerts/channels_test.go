package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"printfarm/storage"
)

type capture struct {
	mu      sync.Mutex
	path    string
	body    []byte
	headers http.Header
}

func captureServer(t *testing.T) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.path = r.URL.Path
		c.body = body
		c.headers = r.Header.Clone()
		c.mu.Unlock()
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestWebhookGenericPayload(t *testing.T) {
	t.Parallel()
	d, _, _ := testDispatcher(t, Config{AllowPrivateWebhooks: true})
	srv, c := captureServer(t)

	alert := &storage.Alert{Kind: "job_failed", Severity: storage.AlertSeverityCritical,
		Title: "cube failed", Message: "reason: clog", JobID: 4}
	if err := d.sendWebhook(context.Background(), "generic", srv.URL+"/hook", alert); err != nil {
		t.Fatal(err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(c.body, &got); err != nil {
		t.Fatal(err)
	}
	if got["kind"] != "job_failed" || got["severity"] != "critical" || got["job_id"] != float64(4) {
		t.Errorf("payload = %v", got)
	}
}

func TestWebhookDiscordAndSlackShapes(t *testing.T) {
	t.Parallel()
	d, _, _ := testDispatcher(t, Config{AllowPrivateWebhooks: true})
	srv, c := captureServer(t)
	alert := &storage.Alert{Kind: "printer_offline", Severity: storage.AlertSeverityWarning,
		Title: "a1 went offline"}

	if err := d.sendWebhook(context.Background(), "discord", srv.URL, alert); err != nil {
		t.Fatal(err)
	}
	var discord map[string]interface{}
	json.Unmarshal(c.body, &discord)
	if _, ok := discord["embeds"]; !ok {
		t.Errorf("discord payload missing embeds: %v", discord)
	}

	if err := d.sendWebhook(context.Background(), "slack", srv.URL, alert); err != nil {
		t.Fatal(err)
	}
	var slack map[string]interface{}
	json.Unmarshal(c.body, &slack)
	if _, ok := slack["attachments"]; !ok {
		t.Errorf("slack payload missing attachments: %v", slack)
	}
}

func TestWebhookNtfyHeaders(t *testing.T) {
	t.Parallel()
	d, _, _ := testDispatcher(t, Config{AllowPrivateWebhooks: true})
	srv, c := captureServer(t)

	alert := &storage.Alert{Kind: "print_issue", Severity: storage.AlertSeverityCritical,
		Title: "Possible spaghetti detected", Message: "confidence 93%"}
	if err := d.sendWebhook(context.Background(), "ntfy", srv.URL+"/printfarm", alert); err != nil {
		t.Fatal(err)
	}

	if c.headers.Get("Title") != alert.Title {
		t.Errorf("Title header = %q", c.headers.Get("Title"))
	}
	if c.headers.Get("Priority") != "urgent" {
		t.Errorf("Priority header = %q, want urgent for critical", c.headers.Get("Priority"))
	}
	if string(c.body) != alert.Message {
		t.Errorf("body = %q", c.body)
	}
}

func TestWebhookTelegramChatIDFromURL(t *testing.T) {
	t.Parallel()
	d, _, _ := testDispatcher(t, Config{AllowPrivateWebhooks: true})
	srv, c := captureServer(t)

	alert := &storage.Alert{Kind: "job_completed", Severity: storage.AlertSeverityInfo,
		Title: "cube finished"}
	url := srv.URL + "/botXYZ/sendMessage?chat_id=42"
	if err := d.sendWebhook(context.Background(), "telegram", url, alert); err != nil {
		t.Fatal(err)
	}

	var got map[string]interface{}
	json.Unmarshal(c.body, &got)
	if got["chat_id"] != "42" {
		t.Errorf("chat_id = %v, want 42", got["chat_id"])
	}
}

func TestWebhookSSRFGuard(t *testing.T) {
	t.Parallel()
	d, _, _ := testDispatcher(t, Config{}) // blocklist active
	alert := &storage.Alert{Kind: "x", Title: "x"}

	blocked := []string{
		"http://127.0.0.1:9/hook",
		"http://localhost/hook",
		"http://10.1.2.3/hook",
		"http://192.168.1.10/hook",
		"http://169.254.169.254/latest/meta-data",
		"ftp://example.com/hook",
	}
	for _, url := range blocked {
		if err := d.sendWebhook(context.Background(), "generic", url, alert); err == nil {
			t.Errorf("%s not blocked", url)
		}
	}
}

func TestEmailHeaderSanitization(t *testing.T) {
	t.Parallel()
	got := sanitizeEmailHeader("subject\r\nBcc: evil@example.com")
	if got != "subject Bcc: evil@example.com" {
		t.Errorf("sanitized = %q", got)
	}
	if err := validateEmailAddress("not-an-address"); err == nil {
		t.Error("bare string accepted as email")
	}
	if err := validateEmailAddress("op@example.com"); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
}
