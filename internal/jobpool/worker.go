package jobpool

import (
	"context"
	"time"

	"github.com/mfs-go/mfscore/internal/queue"
	"golang.org/x/sys/unix"
)

// workerLoop is one worker thread's body: pull a record, exit on the
// close sentinel, promote Enabled->InProgress, dispatch, report status,
// auto-scale.
func (p *Pool) workerLoop() {
	for {
		entry, err := p.workQueue.Get()
		if err != nil || entry.IsZero() {
			p.indexMu.Lock()
			p.closeWorkerLocked()
			p.indexMu.Unlock()
			return
		}

		j, _ := entry.Data.(*job)

		p.indexMu.Lock()
		p.workersAvail--
		if p.workersAvail == 0 && p.workersTotal < p.workersMax {
			p.spawnWorkerLocked()
		}
		var disabled bool
		if j != nil {
			if j.state == stateEnabled {
				j.state = stateInProgress
			}
			disabled = j.state == stateDisabled
		} else {
			disabled = true
		}
		p.indexMu.Unlock()

		start := time.Now()
		status := p.dispatch(Op(entry.Op), j, disabled)
		if p.Latency != nil {
			p.Latency.Add(Op(entry.Op), time.Since(start).Nanoseconds())
		}
		if p.Bufs != nil && j != nil {
			if args, ok := j.args.(ServRWArgs); ok {
				p.Bufs.Free(args.Packet)
			}
		}

		p.sendStatus(entry.ID, status)

		p.indexMu.Lock()
		p.workersAvail++
		if p.workersAvail > p.workersMaxIdle {
			p.closeWorkerLocked()
			p.indexMu.Unlock()
			return
		}
		p.indexMu.Unlock()
	}
}

// dispatch runs the collaborator call for op, or reports not-done/einval
// per spec §4.3's closed dispatch table. A disabled job never reaches its
// collaborator.
func (p *Pool) dispatch(op Op, j *job, disabled bool) Status {
	if op == OpInval {
		return StatusEinval
	}
	if op == OpExit {
		return StatusOK
	}
	if disabled {
		return StatusNotDone
	}
	if j == nil {
		return StatusEinval
	}

	_ = p.sem.Acquire(context.Background(), 1)
	defer p.sem.Release(1)

	switch op {
	case OpChunkOp:
		args, ok := j.args.(ChunkOpArgs)
		if !ok {
			return StatusEinval
		}
		return p.coll.ChunkOp(args)
	case OpServRead:
		args, ok := j.args.(ServRWArgs)
		if !ok {
			return StatusEinval
		}
		return p.coll.ServRead(args)
	case OpServWrite:
		args, ok := j.args.(ServRWArgs)
		if !ok {
			return StatusEinval
		}
		return p.coll.ServWrite(args)
	case OpReplicate:
		args, ok := j.args.(ReplicateArgs)
		if !ok {
			return StatusEinval
		}
		return p.coll.Replicate(args)
	case OpGetBlocks:
		args, ok := j.args.(GetArgs)
		if !ok {
			return StatusEinval
		}
		return p.coll.GetBlocks(args)
	case OpGetChecksum:
		args, ok := j.args.(GetArgs)
		if !ok {
			return StatusEinval
		}
		return p.coll.GetChecksum(args)
	case OpGetChecksumTab:
		args, ok := j.args.(GetArgs)
		if !ok {
			return StatusEinval
		}
		return p.coll.GetChecksumTab(args)
	case OpChunkMove:
		args, ok := j.args.(ChunkMoveArgs)
		if !ok {
			return StatusEinval
		}
		return p.coll.ChunkMove(args)
	default:
		return StatusEinval
	}
}

// sendStatus enqueues (id, status) and writes exactly one wake byte per
// empty-to-nonempty transition of the status queue.
func (p *Pool) sendStatus(id uint32, status Status) {
	p.pipeMu.Lock()
	defer p.pipeMu.Unlock()

	wasEmpty := p.statusQueue.IsEmpty()
	_ = p.statusQueue.Put(queue.Entry{ID: id, Op: uint32(status), Len: 1})
	if wasEmpty {
		buf := [1]byte{byte(status)}
		_, _ = unix.Write(p.pipeW, buf[:])
	}
}

// PollCheck is called by the reactor when the wake pipe becomes readable.
// It drains the status queue and, when deliverCallbacks is true, invokes
// each job's callback before unlinking and freeing it. Safe to call with
// deliverCallbacks = false during teardown.
func (p *Pool) PollCheck(deliverCallbacks bool) {
	for {
		entry, ok := p.receiveStatus()
		if !ok {
			return
		}
		status := Status(entry.Op)

		p.indexMu.Lock()
		pos := hashPos(entry.ID)
		j, found := p.index[pos][entry.ID]
		if found {
			delete(p.index[pos], entry.ID)
		}
		p.indexMu.Unlock()

		if found && deliverCallbacks && j.callback != nil {
			j.callback(status, j.extra)
		}
	}
}

// receiveStatus dequeues one status entry and, mirroring
// job_receive_status's single critical section, conditionally drains the
// wake byte under the same lock used to produce it.
func (p *Pool) receiveStatus() (queue.Entry, bool) {
	p.pipeMu.Lock()
	defer p.pipeMu.Unlock()

	entry, err := p.statusQueue.TryGet()
	if err != nil {
		return queue.Entry{}, false
	}
	if p.statusQueue.IsEmpty() {
		var buf [1]byte
		_, _ = unix.Read(p.pipeR, buf[:])
	}
	return entry, true
}
