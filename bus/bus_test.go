package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	t.Parallel()
	b := New(nil)
	defer b.Shutdown(context.Background())

	jobSub := b.Subscribe("jobs", TopicJobCompleted, TopicJobFailed)
	allSub := b.Subscribe("all")

	b.Publish(TopicJobCompleted, JobEvent{JobID: 1, ItemName: "clip"})
	b.Publish(TopicPrinterConnected, PrinterEvent{PrinterID: 2})

	select {
	case ev := <-jobSub.C():
		if ev.Topic != TopicJobCompleted {
			t.Fatalf("job subscriber got %s", ev.Topic)
		}
		if ev.Payload.(JobEvent).JobID != 1 {
			t.Fatal("wrong payload")
		}
	case <-time.After(time.Second):
		t.Fatal("job subscriber got nothing")
	}
	select {
	case <-jobSub.C():
		t.Fatal("job subscriber received unrelated topic")
	default:
	}

	// The catch-all subscriber sees both.
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.C():
		case <-time.After(time.Second):
			t.Fatalf("catch-all subscriber missing event %d", i)
		}
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	t.Parallel()
	b := New(nil)
	defer b.Shutdown(context.Background())

	sub := b.SubscribeBuffered("slow", 2, TopicJobSubmitted)
	for i := 1; i <= 5; i++ {
		b.Publish(TopicJobSubmitted, JobEvent{JobID: int64(i)})
	}

	// Buffer of 2: only the two newest events survive.
	var got []int64
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C():
			got = append(got, ev.Payload.(JobEvent).JobID)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	if got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected jobs [4 5], got %v", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New(nil)
	defer b.Shutdown(context.Background())

	sub := b.Subscribe("tmp", TopicSpoolLow)
	b.Unsubscribe(sub)

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(TopicSpoolLow, SpoolEvent{SpoolID: 1})
}

func TestShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()
	b := New(nil)
	sub := b.Subscribe("s", TopicBackupCompleted)
	b.Publish(TopicBackupCompleted, BackupEvent{Path: "/tmp/x"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Drain the queued event so shutdown can finish.
		for range sub.C() {
		}
		close(done)
	}()
	b.Shutdown(ctx)
	<-done

	// Publish after shutdown is a no-op.
	b.Publish(TopicBackupCompleted, BackupEvent{})
	if sub2 := b.Subscribe("late"); sub2 != nil {
		if _, ok := <-sub2.C(); ok {
			t.Fatal("late subscription should be closed immediately")
		}
	}
}
