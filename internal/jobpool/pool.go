package jobpool

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/mfs-go/mfscore/internal/queue"
)

const hashBuckets = 1024

func hashPos(id uint32) uint32 { return id & 0x3FF }

// HeavyLoadReporter receives the coarse three-level load signal the pool
// propagates upstream to the master for global admission control.
type HeavyLoadReporter interface {
	ReportHeavyLoad(load uint32, hlstatus int)
}

// Pool is an auto-scaling worker pool bound to one reactor. It accepts
// typed job submissions, dispatches them to workers, and returns
// completion through a wake-pipe that the reactor polls.
type Pool struct {
	log   *logrus.Entry
	coll  Collaborators
	report HeavyLoadReporter

	workQueue   *queue.Queue
	statusQueue *queue.Queue

	// Bufs recycles ServRead/ServWrite packet buffers; exported so callers
	// can size a ServRWArgs.Packet from the same pool before Submit.
	Bufs *BufferPool

	// Latency records how long dispatch spends in each Op's collaborator
	// call; nil disables collection.
	Latency *LatencyMap

	// pipeMu guards the wake pipe and the one-byte-edge protocol against
	// statusQueue; never acquired while holding indexMu.
	pipeMu   sync.Mutex
	pipeR    int
	pipeW    int

	// indexMu guards the hash index, nextID, and worker counters.
	indexMu    sync.Mutex
	index      [hashBuckets]map[uint32]*job
	nextID     uint32
	workersTotal, workersAvail, workersMax, workersMaxIdle uint32
	highMark, lowMark                                      uint32
	lastNotify                                              uint32
	termCond                                                *sync.Cond

	sem *semaphore.Weighted
}

// New creates a pool bound to coll, with workersMax concurrent workers at
// most and a work queue capacity of queueLen (0 = unbounded). It starts
// one worker immediately, matching job_pool_new's initial spawn.
func New(log *logrus.Entry, coll Collaborators, report HeavyLoadReporter, workersMax, workersMaxIdle, queueLen uint32) (*Pool, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, err
	}

	p := &Pool{
		log:          log,
		coll:         coll,
		report:       report,
		workQueue:    queue.New(queueLen),
		statusQueue:  queue.New(0),
		pipeR:        fds[0],
		pipeW:        fds[1],
		nextID:       1,
		workersMax:   workersMax,
		workersMaxIdle: workersMaxIdle,
		sem:          semaphore.NewWeighted(int64(workersMax)),
		Bufs:         NewBufferPool(),
		Latency:      NewLatencyMap(),
	}
	p.highMark = workersMax * 3 / 4
	p.lowMark = workersMax / 2
	for i := range p.index {
		p.index[i] = make(map[uint32]*job)
	}
	p.termCond = sync.NewCond(&p.indexMu)

	p.indexMu.Lock()
	p.spawnWorkerLocked()
	p.indexMu.Unlock()

	return p, nil
}

// WakeFD is the read end of the wake-pipe; the reactor registers it as a
// poll descriptor and calls PollCheck when it becomes readable.
func (p *Pool) WakeFD() int { return p.pipeR }

// Submit allocates a job, assigns it a non-zero id, and attempts a
// non-blocking enqueue. See spec §4.3 for the errOnFull/returnOnFull
// contract.
func (p *Pool) Submit(op Op, args interface{}, cb Callback, extra interface{}, errOnFull Status, returnOnFull bool) uint32 {
	p.indexMu.Lock()
	id := p.nextID
	p.nextID++
	if p.nextID == 0 {
		p.nextID = 1
	}
	j := &job{id: id, op: op, args: args, callback: cb, extra: extra, state: stateEnabled}
	pos := hashPos(id)
	p.index[pos][id] = j
	p.indexMu.Unlock()

	err := p.workQueue.TryPut(queue.Entry{ID: id, Op: uint32(op), Data: j, Len: 1})
	if err == nil {
		return id
	}

	if returnOnFull {
		p.indexMu.Lock()
		delete(p.index[pos], id)
		p.indexMu.Unlock()
		return 0
	}

	p.log.WithField("jobid", id).Warn("work queue full, reporting err-on-full status")
	p.sendStatus(id, errOnFull)
	return id
}

// Disable marks a still-Enabled job Disabled; a worker that later picks it
// up reports not-done without calling the backing collaborator. No effect
// once the job has entered InProgress.
func (p *Pool) Disable(id uint32) {
	p.indexMu.Lock()
	defer p.indexMu.Unlock()
	if j, ok := p.index[hashPos(id)][id]; ok {
		if j.state == stateEnabled {
			j.state = stateDisabled
		}
	}
}

// RebindCallback swaps the completion callback for a still-indexed job.
// Race-free against completion because both mutate under indexMu.
func (p *Pool) RebindCallback(id uint32, cb Callback, extra interface{}) {
	p.indexMu.Lock()
	defer p.indexMu.Unlock()
	if j, ok := p.index[hashPos(id)][id]; ok {
		j.callback = cb
		j.extra = extra
	}
}

// Count returns workers_busy + queue_depth: the number of jobs in flight
// or waiting to be dispatched.
func (p *Pool) Count() uint32 {
	p.indexMu.Lock()
	busy := p.workersTotal - p.workersAvail
	p.indexMu.Unlock()
	return busy + p.workQueue.Elements()
}

// Stats is a point-in-time snapshot for metrics export and debug
// endpoints.
type Stats struct {
	WorkersTotal uint32
	WorkersAvail uint32
	QueueDepth   uint32
}

func (p *Pool) Stats() Stats {
	p.indexMu.Lock()
	s := Stats{WorkersTotal: p.workersTotal, WorkersAvail: p.workersAvail}
	p.indexMu.Unlock()
	s.QueueDepth = p.workQueue.Elements()
	return s
}

// LoadSignal computes the current busy-worker count and, on every call
// where it is at or above the high mark (hlstatus 2) or below the low
// mark (hlstatus 1), reports that status upstream.
func (p *Pool) LoadSignal() {
	p.indexMu.Lock()
	busy := p.workersTotal - p.workersAvail
	high, low := p.highMark, p.lowMark
	p.indexMu.Unlock()

	var hlstatus int
	if busy >= high {
		hlstatus = 2
	} else if busy < low {
		hlstatus = 1
	}
	if hlstatus != 0 && p.report != nil {
		p.report.ReportHeavyLoad(busy, hlstatus)
	}
}

// Reload updates the pool's worker limits and recomputes the concurrency
// marks, matching spec §4.3's reload contract.
func (p *Pool) Reload(workersMax, workersMaxIdle uint32) {
	p.indexMu.Lock()
	defer p.indexMu.Unlock()
	p.workersMax = workersMax
	p.workersMaxIdle = workersMaxIdle
	p.highMark = workersMax * 3 / 4
	p.lowMark = workersMax / 2
	p.sem = semaphore.NewWeighted(int64(workersMax))
}

// Shutdown closes the work queue, waits for every worker to retire, drains
// any remaining statuses without invoking callbacks, and releases the wake
// pipe.
func (p *Pool) Shutdown() {
	p.workQueue.Close()

	p.indexMu.Lock()
	for p.workersTotal > 0 {
		p.termCond.Wait()
	}
	p.indexMu.Unlock()

	if !p.statusQueue.IsEmpty() {
		p.log.Warn("not empty job queue at shutdown")
		p.PollCheck(false)
	}

	unix.Close(p.pipeR)
	unix.Close(p.pipeW)
}

func (p *Pool) findLocked(id uint32) (*job, bool) {
	j, ok := p.index[hashPos(id)][id]
	return j, ok
}

// spawnWorkerLocked starts one worker goroutine. Caller holds indexMu.
func (p *Pool) spawnWorkerLocked() {
	p.workersAvail++
	p.workersTotal++
	p.maybeNotifyLocked()
	go p.workerLoop()
}

// closeWorkerLocked retires one worker slot. Caller holds indexMu.
func (p *Pool) closeWorkerLocked() {
	p.workersAvail--
	p.workersTotal--
	if p.workersTotal == 0 {
		p.termCond.Signal()
	}
	p.maybeNotifyLocked()
}

func (p *Pool) maybeNotifyLocked() {
	if p.workersTotal%10 == 0 && p.lastNotify != p.workersTotal {
		p.log.Infof("workers: %d", p.workersTotal)
		p.lastNotify = p.workersTotal
	}
}
