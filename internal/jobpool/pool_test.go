package jobpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// fakeCollaborators lets tests control collaborator latency and return
// values without touching real disk or network code.
type fakeCollaborators struct {
	chunkOpDelay time.Duration
	chunkOpRet   Status
	calls        int32
}

func (f *fakeCollaborators) ChunkOp(ChunkOpArgs) Status {
	atomic.AddInt32(&f.calls, 1)
	if f.chunkOpDelay > 0 {
		time.Sleep(f.chunkOpDelay)
	}
	return f.chunkOpRet
}
func (f *fakeCollaborators) ServRead(ServRWArgs) Status     { return StatusOK }
func (f *fakeCollaborators) ServWrite(ServRWArgs) Status    { return StatusOK }
func (f *fakeCollaborators) Replicate(ReplicateArgs) Status { return StatusOK }
func (f *fakeCollaborators) GetBlocks(GetArgs) Status       { return StatusOK }
func (f *fakeCollaborators) GetChecksum(GetArgs) Status     { return StatusOK }
func (f *fakeCollaborators) GetChecksumTab(GetArgs) Status  { return StatusOK }
func (f *fakeCollaborators) ChunkMove(ChunkMoveArgs) Status { return StatusOK }

func newTestPool(t *testing.T, coll Collaborators, workersMax, workersMaxIdle, queueLen uint32) *Pool {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	p, err := New(log, coll, nil, workersMax, workersMaxIdle, queueLen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

// drainUntil polls the wake pipe and calls PollCheck until predicate
// returns true or the timeout elapses.
func drainUntil(t *testing.T, p *Pool, timeout time.Duration, predicate func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		fds := []unix.PollFd{{Fd: int32(p.WakeFD()), Events: unix.POLLIN}}
		unix.Poll(fds, 20)
		p.PollCheck(true)
		if predicate() {
			return
		}
	}
	t.Fatal("predicate never became true")
}

func TestHappyPathServRead(t *testing.T) {
	p := newTestPool(t, &fakeCollaborators{chunkOpRet: StatusOK}, 4, 4, 10)

	packet := p.Bufs.Alloc(6)
	copy(packet, "rd-pkt")

	var gotStatus Status
	var called int32
	id := p.Submit(OpServRead, ServRWArgs{Sock: 1, Packet: packet}, func(s Status, extra interface{}) {
		gotStatus = s
		atomic.AddInt32(&called, 1)
	}, nil, StatusNotDone, true)
	if id == 0 {
		t.Fatal("submit returned 0")
	}

	drainUntil(t, p, 2*time.Second, func() bool { return atomic.LoadInt32(&called) == 1 })
	if gotStatus != StatusOK {
		t.Fatalf("status = %v, want StatusOK", gotStatus)
	}
	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("callback invoked %d times, want 1", called)
	}

	// worker.go frees the packet back to p.Bufs once dispatch returns;
	// a second Alloc of the same size should come from that free list
	// rather than a fresh allocation.
	before := p.Bufs.created
	reused := p.Bufs.Alloc(6)
	if p.Bufs.created != before {
		t.Fatalf("created = %d, want unchanged (expected a recycled buffer)", p.Bufs.created)
	}
	p.Bufs.Free(reused)
}

func TestQueueFullReturnOnFullReturnsZero(t *testing.T) {
	coll := &fakeCollaborators{chunkOpDelay: 300 * time.Millisecond, chunkOpRet: StatusOK}
	p := newTestPool(t, coll, 1, 1, 1)

	idA := p.Submit(OpChunkOp, ChunkOpArgs{ChunkID: 1}, func(Status, interface{}) {}, nil, StatusNotDone, false)
	if idA == 0 {
		t.Fatal("submit A returned 0, want nonzero")
	}

	// give the single worker a moment to pick up A so the 1-entry queue is
	// truly available, then fill it so a subsequent return-on-full submit
	// observes a full queue.
	time.Sleep(20 * time.Millisecond)
	p.Submit(OpChunkOp, ChunkOpArgs{ChunkID: 2}, func(Status, interface{}) {}, nil, StatusNotDone, false)

	idB := p.Submit(OpChunkOp, ChunkOpArgs{ChunkID: 3}, func(Status, interface{}) {}, nil, StatusNotDone, true)
	if idB != 0 {
		t.Fatalf("submit B returned %d, want 0 (return_on_full)", idB)
	}
}

func TestQueueFullNotReturnOnFullGetsErrStatus(t *testing.T) {
	coll := &fakeCollaborators{chunkOpDelay: 300 * time.Millisecond, chunkOpRet: StatusOK}
	p := newTestPool(t, coll, 1, 1, 1)

	p.Submit(OpChunkOp, ChunkOpArgs{ChunkID: 1}, func(Status, interface{}) {}, nil, StatusNotDone, false)
	time.Sleep(20 * time.Millisecond)
	p.Submit(OpChunkOp, ChunkOpArgs{ChunkID: 2}, func(Status, interface{}) {}, nil, StatusNotDone, false)

	var gotStatus Status
	var called int32
	idC := p.Submit(OpChunkOp, ChunkOpArgs{ChunkID: 3}, func(s Status, extra interface{}) {
		gotStatus = s
		atomic.AddInt32(&called, 1)
	}, nil, StatusNotDone, false)
	if idC == 0 {
		t.Fatal("submit C returned 0, want nonzero")
	}

	drainUntil(t, p, 2*time.Second, func() bool { return atomic.LoadInt32(&called) == 1 })
	if gotStatus != StatusNotDone {
		t.Fatalf("status = %v, want StatusNotDone", gotStatus)
	}
}

func TestDisableBeforePromotionYieldsNotDone(t *testing.T) {
	// Use a large queue and no worker spawned until we disable, by
	// submitting many filler jobs first is unreliable for timing; instead
	// we directly manipulate pool internals is avoided — drive timing via
	// a slow worker and disable immediately after submit on an idle pool
	// sized so the job sits queued for a moment.
	coll := &fakeCollaborators{chunkOpDelay: 50 * time.Millisecond, chunkOpRet: StatusOK}
	p := newTestPool(t, coll, 1, 1, 10)

	// occupy the sole worker first so the next submit queues.
	p.Submit(OpChunkOp, ChunkOpArgs{ChunkID: 1}, func(Status, interface{}) {}, nil, StatusNotDone, false)
	time.Sleep(5 * time.Millisecond)

	var gotStatus Status
	var called int32
	id := p.Submit(OpChunkOp, ChunkOpArgs{ChunkID: 2}, func(s Status, extra interface{}) {
		gotStatus = s
		atomic.AddInt32(&called, 1)
	}, nil, StatusNotDone, false)
	p.Disable(id)

	drainUntil(t, p, 2*time.Second, func() bool { return atomic.LoadInt32(&called) >= 1 })
	if gotStatus != StatusNotDone {
		t.Fatalf("status = %v, want StatusNotDone (disabled before promotion)", gotStatus)
	}
}

func TestRebindCallbackRedirectsCompletion(t *testing.T) {
	p := newTestPool(t, &fakeCollaborators{chunkOpRet: StatusOK}, 2, 2, 10)

	var origCalled, newCalled int32
	id := p.Submit(OpChunkOp, ChunkOpArgs{ChunkID: 1}, func(Status, interface{}) {
		atomic.AddInt32(&origCalled, 1)
	}, nil, StatusNotDone, false)

	p.RebindCallback(id, func(Status, interface{}) {
		atomic.AddInt32(&newCalled, 1)
	}, nil)

	drainUntil(t, p, 2*time.Second, func() bool { return atomic.LoadInt32(&newCalled) == 1 })
	if atomic.LoadInt32(&origCalled) != 0 {
		t.Fatalf("original callback fired %d times, want 0", origCalled)
	}
}

func TestCallbackFiresExactlyOnce(t *testing.T) {
	p := newTestPool(t, &fakeCollaborators{chunkOpRet: StatusOK}, 8, 8, 50)

	const n = 50
	var wg sync.WaitGroup
	counts := make([]int32, n+1)

	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Submit(OpChunkOp, ChunkOpArgs{ChunkID: 1}, func(s Status, extra interface{}) {
				id := extra.(int)
				atomic.AddInt32(&counts[id], 1)
			}, i, StatusNotDone, false)
		}()
	}
	wg.Wait()

	drainUntil(t, p, 4*time.Second, func() bool {
		for i := 1; i <= n; i++ {
			if atomic.LoadInt32(&counts[i]) == 0 {
				return false
			}
		}
		return true
	})

	for i := 1; i <= n; i++ {
		if c := atomic.LoadInt32(&counts[i]); c != 1 {
			t.Fatalf("job %d delivered %d times, want 1", i, c)
		}
	}
}
