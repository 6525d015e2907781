package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"printfarm/alerts"
	"printfarm/artifact"
	"printfarm/bus"
	"printfarm/discovery"
	"printfarm/dispatcher"
	"printfarm/filament"
	"printfarm/fleet"
	"printfarm/logger"
	"printfarm/scheduler"
	"printfarm/session"
	"printfarm/storage"
)

// runServe wires every component and runs the control plane until the
// context is canceled.
func runServe(ctx context.Context, cfg *Config, log *logger.Logger) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	events := bus.New(log)
	fl := fleet.New()

	sessions := session.New(store, fl, events, log)
	if err := sessions.Start(ctx); err != nil {
		return err
	}

	accountant := filament.NewAccountant(store, events,
		filament.NewCatalog(cfg.Filament.CatalogURL), log)
	sched := scheduler.New(store, events, log, scheduler.Config{
		BlackoutStart: cfg.Scheduler.BlackoutStart,
		BlackoutEnd:   cfg.Scheduler.BlackoutEnd,
		HorizonDays:   cfg.Scheduler.HorizonDays,
		SetupMinutes:  cfg.Scheduler.SetupMinutes,
	})
	disp := dispatcher.New(store, fl, sessions, accountant, events, log)
	disp.Run(ctx)

	alertDispatcher := alerts.New(store, events, log, alerts.Config{
		SMTPHost:             cfg.Alerts.SMTPHost,
		SMTPPort:             cfg.Alerts.SMTPPort,
		SMTPUsername:         cfg.Alerts.SMTPUsername,
		SMTPPassword:         cfg.Alerts.SMTPPassword,
		SMTPFrom:             cfg.Alerts.SMTPFrom,
		VAPIDPublicKey:       cfg.Alerts.VAPIDPublicKey,
		VAPIDPrivateKey:      cfg.Alerts.VAPIDPrivateKey,
		VAPIDSubject:         cfg.Alerts.VAPIDSubject,
		AllowPrivateWebhooks: cfg.Alerts.AllowPrivateWebhooks,
		Workers:              cfg.Alerts.Workers,
	})
	alertDispatcher.Run(ctx)

	artifacts := artifact.NewManager(store, cfg.Server.DataDir, log)

	if cfg.Server.DiscoveryEnabled {
		discovery.New(log).Run(ctx)
	}

	go reconcileFilamentLoop(ctx, events, fl, accountant, log)
	go intakeLoop(ctx, artifacts, cfg.Server.IntakeDir, log)
	go planLoop(ctx, sched, disp, store, cfg.Scheduler.IntervalMinutes, log)
	go auditCleanupLoop(ctx, store, cfg.Audit.RetentionDays, log)
	go backupLoop(ctx, store, events, filepath.Join(cfg.Server.DataDir, "backups"), log)

	log.Info("control plane running",
		"data_dir", cfg.Server.DataDir, "scheduler_interval_min", cfg.Scheduler.IntervalMinutes)
	<-ctx.Done()

	log.Info("shutting down")
	sessions.Shutdown()
	disp.Wait()
	alertDispatcher.Wait()

	grace := time.Duration(cfg.Server.ShutdownGraceSec) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	events.Shutdown(drainCtx)
	return nil
}

func openStore(cfg *Config) (*storage.Store, error) {
	var secrets *storage.SecretBox
	if cfg.Database.EncryptionKey != "" {
		var err error
		secrets, err = storage.NewSecretBox(cfg.Database.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}
	return storage.Open(cfg.Database.URL, secrets)
}

// reconcileFilamentLoop feeds observed AMS slot readings into spool
// accounting on every status frame that carries them, so swaps and
// color drift during a steady print are picked up without waiting for
// a state transition. Reconcile is idempotent, repeats are cheap.
func reconcileFilamentLoop(ctx context.Context, events *bus.Bus, fl *fleet.State, accountant *filament.Accountant, log *logger.Logger) {
	sub := events.Subscribe("filament-reconcile", bus.TopicPrinterSlotsReported)
	defer events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			pe, ok := ev.Payload.(bus.PrinterEvent)
			if !ok {
				continue
			}
			snap, ok := fl.Get(pe.PrinterID)
			if !ok || len(snap.Slots) == 0 {
				continue
			}
			if err := accountant.Reconcile(ctx, pe.PrinterID, snap.Slots); err != nil {
				log.Warn("filament reconcile failed", "printer", pe.PrinterID, "error", err)
			}
		}
	}
}

// intakeLoop watches a drop directory and ingests any print file that
// appears. Ingested files are removed; rejects are renamed aside so
// they are not retried forever.
func intakeLoop(ctx context.Context, artifacts *artifact.Manager, dir string, log *logger.Logger) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("intake dir unavailable", "dir", dir, "error", err)
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ingestDropped(artifacts, dir, log)
		}
	}
}

func ingestDropped(artifacts *artifact.Manager, dir string, log *logger.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".rejected" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if _, err := artifacts.Ingest(e.Name(), data); err != nil {
			log.Warn("intake rejected", "file", e.Name(), "error", err)
			os.Rename(path, path+".rejected")
			continue
		}
		os.Remove(path)
	}
}

// planLoop runs periodic scheduler batches and dispatches jobs whose
// planned start has arrived.
func planLoop(ctx context.Context, sched *scheduler.Scheduler, disp *dispatcher.Dispatcher, store *storage.Store, intervalMinutes int, log *logger.Logger) {
	if intervalMinutes <= 0 {
		intervalMinutes = 5
	}
	ticker := time.NewTicker(time.Duration(intervalMinutes) * time.Minute)
	defer ticker.Stop()
	for {
		if run, err := sched.Run(ctx); err != nil {
			log.Warn("scheduler batch failed", "error", err)
		} else {
			log.Debug("scheduler batch done",
				"scheduled", run.ScheduledCount, "skipped", run.SkippedCount)
		}
		dispatchDue(ctx, disp, store, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func dispatchDue(ctx context.Context, disp *dispatcher.Dispatcher, store *storage.Store, log *logger.Logger) {
	jobs, err := store.ListJobs(storage.JobStatusScheduled)
	if err != nil {
		log.Warn("failed to list scheduled jobs", "error", err)
		return
	}
	now := time.Now()
	for _, job := range jobs {
		if job.ScheduledStart == nil || job.ScheduledStart.After(now) {
			continue
		}
		jobID := job.ID
		// DispatchJob blocks through upload and start confirmation;
		// its internal guards make concurrent calls per printer safe.
		go func() {
			if err := disp.DispatchJob(ctx, jobID, false); err != nil {
				log.Warn("dispatch failed", "job", jobID, "error", err)
			}
		}()
	}
}

// backupLoop snapshots the store nightly and announces the result on
// the bus.
func backupLoop(ctx context.Context, store *storage.Store, events *bus.Bus, dir string, log *logger.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn("backup dir unavailable", "dir", dir, "error", err)
			continue
		}
		path := filepath.Join(dir, "printfarm-"+time.Now().Format("20060102")+".db")
		if err := store.BackupTo(ctx, path); err != nil {
			log.Warn("nightly backup failed", "error", err)
			continue
		}
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		log.Info("backup written", "path", path, "bytes", size)
		events.Publish(bus.TopicBackupCompleted, bus.BackupEvent{Path: path, SizeBytes: size})
	}
}

func auditCleanupLoop(ctx context.Context, store *storage.Store, retentionDays int, log *logger.Logger) {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.CleanupAudit(retention); err != nil {
				log.Warn("audit cleanup failed", "error", err)
			} else if n > 0 {
				log.Info("audit rows pruned", "count", n)
			}
		}
	}
}
