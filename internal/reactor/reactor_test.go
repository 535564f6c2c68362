package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	r, err := New(log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestTerminateStopsLoop(t *testing.T) {
	r := newTestReactor(t)
	go r.Run()

	r.NotifyTerminate()

	select {
	case <-r.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not stop after terminate signal")
	}
}

func TestDestructorsRunOnExit(t *testing.T) {
	r := newTestReactor(t)
	var order []int
	r.OnDestroy(func() { order = append(order, 1) })
	r.OnDestroy(func() { order = append(order, 2) })
	r.OnDestroy(func() { order = append(order, 3) })

	go r.Run()
	r.NotifyTerminate()
	<-r.Stopped()

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCanExitBlocksUntilOk(t *testing.T) {
	r := newTestReactor(t)
	var ready int32

	r.OnCanExit(func() bool { return atomic.LoadInt32(&ready) != 0 })

	go r.Run()
	r.NotifyTerminate()

	select {
	case <-r.Stopped():
		t.Fatal("reactor exited before can-exit hook returned ok")
	case <-time.After(100 * time.Millisecond):
	}

	atomic.StoreInt32(&ready, 1)

	select {
	case <-r.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not exit once can-exit hook returned ok")
	}
}

func TestReloadHookFires(t *testing.T) {
	r := newTestReactor(t)
	fired := make(chan struct{}, 1)
	r.OnReload(func() { fired <- struct{}{} })

	go r.Run()
	defer func() {
		r.NotifyTerminate()
		<-r.Stopped()
	}()

	r.NotifyReload()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("reload hook did not fire")
	}
}

func TestTimerFiresAtLeastOnce(t *testing.T) {
	r := newTestReactor(t)
	var count int32
	r.RegisterTimer(20*time.Millisecond, 0, func() {
		atomic.AddInt32(&count, 1)
	})

	go r.Run()
	defer func() {
		r.NotifyTerminate()
		<-r.Stopped()
	}()

	time.Sleep(300 * time.Millisecond)
	if atomic.LoadInt32(&count) == 0 {
		t.Fatal("timer never fired")
	}
}

func TestAlignNextRespectsOffset(t *testing.T) {
	period := 10 * time.Second
	offset := 3 * time.Second
	now := 25 * time.Second
	next := alignNext(now, period, offset)
	if next < now {
		t.Fatalf("next %v is before now %v", next, now)
	}
	if (next-offset)%period != 0 {
		t.Fatalf("next %v not aligned to period %v offset %v", next, period, offset)
	}
}
