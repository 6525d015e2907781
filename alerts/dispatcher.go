// Package alerts routes bus events to users: in-app alert rows, email,
// browser push and webhook fan-out, filtered by per-user preferences
// and quiet hours.
package alerts

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"printfarm/bus"
	"printfarm/logger"
	"printfarm/storage"
)

const (
	// channelTimeout bounds one external delivery attempt.
	channelTimeout = 10 * time.Second
	// queueAgeLimit drops deliveries that sat in the queue too long to
	// still be useful.
	queueAgeLimit = time.Hour
	// defaultWorkers is the external delivery pool size.
	defaultWorkers = 4
	// queueSize bounds the pending delivery queue.
	queueSize = 256
)

// Config carries the process-wide delivery settings.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// AllowPrivateWebhooks disables the SSRF blocklist, for lab setups
	// that post to internal endpoints.
	AllowPrivateWebhooks bool

	Workers int
}

// Dispatcher fans events out to users.
type Dispatcher struct {
	store  *storage.Store
	events *bus.Bus
	log    *logger.Logger
	cfg    Config
	client *http.Client
	now    func() time.Time // test hook

	queue chan delivery
	wg    sync.WaitGroup

	mu      sync.Mutex
	digests map[int64][]*storage.Alert
}

// delivery is one queued external notification.
type delivery struct {
	pref     storage.AlertPreference
	alert    *storage.Alert
	queuedAt time.Time
}

// New wires an alert dispatcher.
func New(store *storage.Store, events *bus.Bus, log *logger.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Dispatcher{
		store:   store,
		events:  events,
		log:     log,
		cfg:     cfg,
		client:  &http.Client{Timeout: channelTimeout},
		now:     time.Now,
		queue:   make(chan delivery, queueSize),
		digests: make(map[int64][]*storage.Alert),
	}
}

// Run subscribes to the alerting topics and starts the delivery pool.
func (d *Dispatcher) Run(ctx context.Context) {
	sub := d.events.Subscribe("alerts",
		bus.TopicPrinterDisconnected,
		bus.TopicPrinterHMSCode,
		bus.TopicJobCompleted,
		bus.TopicJobFailed,
		bus.TopicSpoolLow,
		bus.TopicSpoolEmpty,
		bus.TopicVisionDetection,
		bus.TopicBackupCompleted,
	)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.events.Unsubscribe(sub)
		flush := time.NewTicker(time.Minute)
		defer flush.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				d.handle(ev)
			case <-flush.C:
				d.flushDigests()
			}
		}
	}()
}

// Wait blocks until the subscriber and workers exit.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// handle turns one event into per-user alerts and queued deliveries.
func (d *Dispatcher) handle(ev bus.Event) {
	draft, ok := draftFor(ev)
	if !ok {
		return
	}

	prefs, err := d.store.ListAlertPreferences()
	if err != nil {
		d.log.Error("failed to load alert preferences", "error", err)
		return
	}
	for _, pref := range prefs {
		d.deliverTo(*pref, draft)
	}
}

// deliverTo applies one user's preference to a draft alert.
func (d *Dispatcher) deliverTo(pref storage.AlertPreference, draft storage.Alert) {
	if !draft.Severity.AtLeast(thresholdFor(pref, draft.Kind)) {
		return
	}

	alert := draft
	alert.UserID = pref.UserID
	if pref.InAppEnabled {
		if err := d.store.CreateAlert(&alert); err != nil {
			d.log.Error("failed to store alert", "user", pref.UserID, "error", err)
		}
	}

	if !pref.EmailEnabled && !pref.PushEnabled && pref.WebhookURL == "" {
		return
	}
	if d.inQuietHours(pref) {
		switch pref.QuietMode {
		case storage.QuietModeDigest:
			d.mu.Lock()
			d.digests[pref.UserID] = append(d.digests[pref.UserID], &alert)
			d.mu.Unlock()
		default:
			d.log.Debug("alert suppressed by quiet hours", "user", pref.UserID, "kind", alert.Kind)
		}
		return
	}
	d.enqueue(delivery{pref: pref, alert: &alert, queuedAt: d.now()})
}

func (d *Dispatcher) enqueue(dl delivery) {
	select {
	case d.queue <- dl:
	default:
		d.log.WarnRateLimited("alert-queue-full", time.Minute,
			"alert delivery queue full, dropping", "user", dl.pref.UserID)
	}
}

// worker drains the delivery queue. Failures are logged, never retried.
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case dl := <-d.queue:
			if d.now().Sub(dl.queuedAt) > queueAgeLimit {
				d.log.Warn("dropping stale alert delivery",
					"user", dl.pref.UserID, "kind", dl.alert.Kind)
				continue
			}
			d.deliverExternal(ctx, dl.pref, dl.alert)
		}
	}
}

func (d *Dispatcher) deliverExternal(ctx context.Context, pref storage.AlertPreference, alert *storage.Alert) {
	cctx, cancel := context.WithTimeout(ctx, channelTimeout)
	defer cancel()

	if pref.EmailEnabled && pref.EmailAddress != "" {
		if err := d.sendEmail(pref.EmailAddress, alert); err != nil {
			d.log.Warn("email delivery failed", "user", pref.UserID, "error", err)
		}
	}
	if pref.PushEnabled && pref.PushSubscription != "" {
		if err := d.sendPush(pref.PushSubscription, alert); err != nil {
			d.log.Warn("push delivery failed", "user", pref.UserID, "error", err)
		}
	}
	if pref.WebhookURL != "" {
		if err := d.sendWebhook(cctx, pref.WebhookKind, pref.WebhookURL, alert); err != nil {
			d.log.Warn("webhook delivery failed", "user", pref.UserID, "error", err)
		}
	}
}

// flushDigests delivers buffered quiet-hour alerts for users whose
// quiet window has ended, rolled up into one summary.
func (d *Dispatcher) flushDigests() {
	d.mu.Lock()
	users := make([]int64, 0, len(d.digests))
	for id := range d.digests {
		users = append(users, id)
	}
	d.mu.Unlock()

	for _, userID := range users {
		pref, err := d.store.GetAlertPreference(userID)
		if err != nil {
			continue
		}
		if d.inQuietHours(*pref) {
			continue
		}
		d.mu.Lock()
		buffered := d.digests[userID]
		delete(d.digests, userID)
		d.mu.Unlock()
		if len(buffered) == 0 {
			continue
		}
		d.enqueue(delivery{pref: *pref, alert: digestAlert(userID, buffered), queuedAt: d.now()})
	}
}

// digestAlert rolls buffered alerts into one summary.
func digestAlert(userID int64, buffered []*storage.Alert) *storage.Alert {
	worst := storage.AlertSeverityInfo
	var lines []string
	for _, a := range buffered {
		if a.Severity.AtLeast(worst) {
			worst = a.Severity
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", a.Severity, a.Title))
	}
	return &storage.Alert{
		Kind:     "digest",
		Severity: worst,
		UserID:   userID,
		Title:    fmt.Sprintf("%d alerts during quiet hours", len(buffered)),
		Message:  strings.Join(lines, "\n"),
	}
}

// thresholdFor picks the per-kind threshold, falling back to the
// preference's default.
func thresholdFor(pref storage.AlertPreference, kind string) storage.AlertSeverity {
	if t, ok := pref.KindThresholds[kind]; ok {
		return t
	}
	if pref.MinSeverity != "" {
		return pref.MinSeverity
	}
	return storage.AlertSeverityInfo
}

// inQuietHours reports whether the user's quiet window covers now. The
// window may wrap midnight.
func (d *Dispatcher) inQuietHours(pref storage.AlertPreference) bool {
	start, err1 := parseClock(pref.QuietStart)
	end, err2 := parseClock(pref.QuietEnd)
	if err1 != nil || err2 != nil || start == end {
		return false
	}
	now := d.now()
	minute := now.Hour()*60 + now.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return h*60 + m, nil
}

// draftFor renders a bus event as an alert template, without a user.
func draftFor(ev bus.Event) (storage.Alert, bool) {
	switch p := ev.Payload.(type) {
	case bus.PrinterEvent:
		if ev.Topic != bus.TopicPrinterDisconnected {
			return storage.Alert{}, false
		}
		return storage.Alert{
			Kind:      "printer_offline",
			Severity:  storage.AlertSeverityWarning,
			Title:     fmt.Sprintf("%s went offline", p.PrinterName),
			Message:   p.Error,
			PrinterID: p.PrinterID,
		}, true
	case bus.HMSEvent:
		return storage.Alert{
			Kind:      "printer_fault",
			Severity:  hmsSeverity(p.Severity),
			Title:     fmt.Sprintf("%s reported a fault", p.PrinterName),
			Message:   fmt.Sprintf("%s (%s)", p.Message, p.Code),
			PrinterID: p.PrinterID,
		}, true
	case bus.JobEvent:
		switch ev.Topic {
		case bus.TopicJobCompleted:
			return storage.Alert{
				Kind:      "job_completed",
				Severity:  storage.AlertSeverityInfo,
				Title:     fmt.Sprintf("%q finished printing", p.ItemName),
				PrinterID: p.PrinterID,
				JobID:     p.JobID,
			}, true
		case bus.TopicJobFailed:
			return storage.Alert{
				Kind:      "job_failed",
				Severity:  storage.AlertSeverityCritical,
				Title:     fmt.Sprintf("%q failed", p.ItemName),
				Message:   "reason: " + p.FailReason,
				PrinterID: p.PrinterID,
				JobID:     p.JobID,
			}, true
		}
		return storage.Alert{}, false
	case bus.SpoolEvent:
		kind, title := "spool_low", fmt.Sprintf("Spool running low: %.0fg left", p.RemainingGrams)
		if ev.Topic == bus.TopicSpoolEmpty {
			kind, title = "spool_empty", "Spool is empty"
		}
		return storage.Alert{
			Kind:      kind,
			Severity:  storage.AlertSeverityWarning,
			Title:     title,
			Message:   fmt.Sprintf("%s %s in printer %d slot %d", p.ColorName, p.MaterialType, p.PrinterID, p.SlotNumber),
			PrinterID: p.PrinterID,
			SpoolID:   p.SpoolID,
		}, true
	case bus.DetectionEvent:
		return storage.Alert{
			Kind:      "print_issue",
			Severity:  storage.AlertSeverityCritical,
			Title:     fmt.Sprintf("Possible %s detected", p.Label),
			Message:   fmt.Sprintf("confidence %.0f%%", p.Confidence*100),
			PrinterID: p.PrinterID,
			JobID:     p.JobID,
		}, true
	case bus.BackupEvent:
		return storage.Alert{
			Kind:     "backup_completed",
			Severity: storage.AlertSeverityInfo,
			Title:    "Database backup completed",
			Message:  fmt.Sprintf("%s (%d bytes)", p.Path, p.SizeBytes),
		}, true
	}
	return storage.Alert{}, false
}

func hmsSeverity(s string) storage.AlertSeverity {
	switch s {
	case "fatal":
		return storage.AlertSeverityCritical
	case "serious":
		return storage.AlertSeverityWarning
	default:
		return storage.AlertSeverityInfo
	}
}
