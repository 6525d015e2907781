package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"printfarm/storage"
)

// sendEmail delivers one alert over SMTP. Headers are sanitized against
// injection before the message is assembled.
func (d *Dispatcher) sendEmail(to string, alert *storage.Alert) error {
	if d.cfg.SMTPHost == "" || d.cfg.SMTPFrom == "" {
		return fmt.Errorf("smtp is not configured")
	}
	if err := validateEmailAddress(to); err != nil {
		return err
	}
	from := sanitizeEmailHeader(d.cfg.SMTPFrom)
	to = sanitizeEmailHeader(to)

	subject := sanitizeEmailHeader(fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title))
	body := fmt.Sprintf("%s\n\nSeverity: %s\nKind: %s\nTime: %s\n",
		alert.Message, alert.Severity, alert.Kind, alert.CreatedAt.Format(time.RFC3339))
	msg := []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body))

	addr := fmt.Sprintf("%s:%d", d.cfg.SMTPHost, d.cfg.SMTPPort)
	var auth smtp.Auth
	if d.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", d.cfg.SMTPUsername, d.cfg.SMTPPassword, d.cfg.SMTPHost)
	}
	return smtp.SendMail(addr, auth, from, []string{to}, msg)
}

// sanitizeEmailHeader strips CR/LF and null bytes so alert text cannot
// inject headers.
func sanitizeEmailHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

func validateEmailAddress(email string) error {
	if strings.ContainsAny(email, "\r\n") {
		return fmt.Errorf("email address contains invalid characters")
	}
	if !strings.Contains(email, "@") || len(email) < 3 {
		return fmt.Errorf("invalid email address %q", email)
	}
	return nil
}

// sendPush delivers a browser push through the stored VAPID
// subscription.
func (d *Dispatcher) sendPush(subscription string, alert *storage.Alert) error {
	if d.cfg.VAPIDPublicKey == "" || d.cfg.VAPIDPrivateKey == "" {
		return fmt.Errorf("vapid keys are not configured")
	}
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(subscription), &sub); err != nil {
		return fmt.Errorf("corrupt push subscription: %w", err)
	}
	payload, err := json.Marshal(map[string]string{
		"title":    alert.Title,
		"body":     alert.Message,
		"severity": string(alert.Severity),
		"kind":     alert.Kind,
	})
	if err != nil {
		return err
	}
	resp, err := webpush.SendNotification(payload, &sub, &webpush.Options{
		Subscriber:      d.cfg.VAPIDSubject,
		VAPIDPublicKey:  d.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: d.cfg.VAPIDPrivateKey,
		TTL:             60,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// sendWebhook formats the alert for the configured vendor and posts it.
func (d *Dispatcher) sendWebhook(ctx context.Context, kind, rawURL string, alert *storage.Alert) error {
	if err := d.checkWebhookURL(rawURL); err != nil {
		return err
	}
	switch kind {
	case "discord":
		return d.postJSON(ctx, rawURL, discordPayload(alert))
	case "slack":
		return d.postJSON(ctx, rawURL, slackPayload(alert))
	case "ntfy":
		return d.postNtfy(ctx, rawURL, alert)
	case "telegram":
		return d.postJSON(ctx, rawURL, telegramPayload(rawURL, alert))
	case "pushover":
		return d.postJSON(ctx, rawURL, pushoverPayload(rawURL, alert))
	case "whatsapp", "", "generic":
		return d.postJSON(ctx, rawURL, genericPayload(alert))
	default:
		return fmt.Errorf("unknown webhook kind %q", kind)
	}
}

// checkWebhookURL rejects URLs that would let an alert reach loopback,
// link-local or private addresses.
func (d *Dispatcher) checkWebhookURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("webhook scheme must be http or https, got %q", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("webhook url has no hostname")
	}
	if d.cfg.AllowPrivateWebhooks {
		return nil
	}
	if hostname == "localhost" {
		return fmt.Errorf("loopback webhook urls are not allowed")
	}
	if ip := net.ParseIP(hostname); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("webhook urls cannot target private networks")
		}
		return nil
	}
	ips, err := net.LookupIP(hostname)
	if err != nil {
		// Unresolvable now may be a flaky external host; the request
		// itself will fail if it stays unreachable.
		return nil
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("webhook urls cannot target private networks")
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate()
}

func (d *Dispatcher) postJSON(ctx context.Context, rawURL string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req)
}

// postNtfy publishes plain text; metadata rides in headers per the ntfy
// convention.
func (d *Dispatcher) postNtfy(ctx context.Context, rawURL string, alert *storage.Alert) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(alert.Message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Title", alert.Title)
	priority := "default"
	switch alert.Severity {
	case storage.AlertSeverityCritical:
		priority = "urgent"
	case storage.AlertSeverityWarning:
		priority = "high"
	}
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", "printer,"+alert.Kind)
	return d.do(req)
}

func (d *Dispatcher) do(req *http.Request) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func genericPayload(alert *storage.Alert) map[string]interface{} {
	return map[string]interface{}{
		"kind":       alert.Kind,
		"severity":   string(alert.Severity),
		"title":      alert.Title,
		"message":    alert.Message,
		"printer_id": alert.PrinterID,
		"job_id":     alert.JobID,
		"spool_id":   alert.SpoolID,
		"created_at": alert.CreatedAt.Format(time.RFC3339),
	}
}

func discordPayload(alert *storage.Alert) map[string]interface{} {
	color := 1752220 // blue
	switch alert.Severity {
	case storage.AlertSeverityCritical:
		color = 15158332 // red
	case storage.AlertSeverityWarning:
		color = 16776960 // yellow
	}
	return map[string]interface{}{
		"embeds": []map[string]interface{}{{
			"title":       alert.Title,
			"description": alert.Message,
			"color":       color,
			"fields": []map[string]interface{}{
				{"name": "Severity", "value": string(alert.Severity), "inline": true},
				{"name": "Kind", "value": alert.Kind, "inline": true},
			},
		}},
	}
}

func slackPayload(alert *storage.Alert) map[string]interface{} {
	color := "#17a2b8"
	switch alert.Severity {
	case storage.AlertSeverityCritical:
		color = "#dc3545"
	case storage.AlertSeverityWarning:
		color = "#ffc107"
	}
	return map[string]interface{}{
		"attachments": []map[string]interface{}{{
			"color": color,
			"title": alert.Title,
			"text":  alert.Message,
			"fields": []map[string]interface{}{
				{"title": "Severity", "value": string(alert.Severity), "short": true},
				{"title": "Kind", "value": alert.Kind, "short": true},
			},
		}},
	}
}

// telegramPayload reads chat_id from the stored URL's query so one URL
// carries the full destination.
func telegramPayload(rawURL string, alert *storage.Alert) map[string]interface{} {
	chatID := ""
	if u, err := url.Parse(rawURL); err == nil {
		chatID = u.Query().Get("chat_id")
	}
	return map[string]interface{}{
		"chat_id": chatID,
		"text":    fmt.Sprintf("%s\n\n%s", alert.Title, alert.Message),
	}
}

// pushoverPayload reads token and user from the stored URL's query.
func pushoverPayload(rawURL string, alert *storage.Alert) map[string]interface{} {
	token, user := "", ""
	if u, err := url.Parse(rawURL); err == nil {
		token = u.Query().Get("token")
		user = u.Query().Get("user")
	}
	priority := 0
	if alert.Severity == storage.AlertSeverityCritical {
		priority = 1
	}
	return map[string]interface{}{
		"token":    token,
		"user":     user,
		"title":    alert.Title,
		"message":  alert.Message,
		"priority": priority,
	}
}
