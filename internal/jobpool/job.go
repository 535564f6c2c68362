// Package jobpool implements the chunk server's auto-scaling worker pool:
// typed job submission, wake-pipe delivery back to the reactor, per-job
// cancellation, callback rebinding, and heavy-load feedback.
//
// Grounded on original_source/mfschunkserver/bgjobs.c (job/jobpool/worker
// structs, job_new/job_worker/job_pool_check_jobs/job_pool_disable_job) and
// on the teacher's buffer-pool/latency-map accounting style
// (github.com/hanwen/go-fuse fuse/bufferpool.go, fuse/latencymap.go) for how
// a pool tracks live work and reports aggregate counters.
package jobpool

// Status is the single-byte result code a worker reports for a completed
// job, narrowed from the richer internal error types at this boundary per
// spec §9's "lift internally, narrow at the boundary" guidance.
type Status uint8

const (
	StatusOK       Status = 0
	StatusEinval   Status = 1
	StatusNotDone  Status = 2
	StatusIOError  Status = 3
	StatusNoSpace  Status = 4
	StatusWrongOff Status = 5
)

// Op is the closed set of chunk-level operation kinds the pool dispatches.
type Op int

const (
	OpExit Op = iota
	OpInval
	OpChunkOp
	OpServRead
	OpServWrite
	OpReplicate
	OpGetBlocks
	OpGetChecksum
	OpGetChecksumTab
	OpChunkMove
)

func (o Op) String() string {
	switch o {
	case OpExit:
		return "exit"
	case OpInval:
		return "inval"
	case OpChunkOp:
		return "chunkop"
	case OpServRead:
		return "servread"
	case OpServWrite:
		return "servwrite"
	case OpReplicate:
		return "replicate"
	case OpGetBlocks:
		return "getblocks"
	case OpGetChecksum:
		return "getchecksum"
	case OpGetChecksumTab:
		return "getchecksumtab"
	case OpChunkMove:
		return "chunkmove"
	default:
		return "unknown"
	}
}

// ChunkOpArgs carries the arguments for a generic chunk file operation:
// create, delete, version bump, truncate, copy, or truncate+copy.
type ChunkOpArgs struct {
	ChunkID     uint64
	Version     uint32
	NewVersion  uint32
	CopyChunkID uint64
	CopyVersion uint32
	Length      uint32
}

// ServRWArgs carries a borrowed packet buffer for a socket read or write
// job. Packet is owned by the network layer's connection state and must
// outlive the job's callback.
type ServRWArgs struct {
	Sock   int
	Packet []byte
}

// ReplicateSource is one 18-byte entry of the trailing source table a
// Replicate job carries; width and layout come from the replicate
// collaborator's contract (spec §9 open question), not invented here.
type ReplicateSource struct {
	ChunkServerIP   [4]byte
	ChunkServerPort uint16
	ChunkID         uint64
	Version         uint32
}

// ReplicateArgs carries a cross-chunkserver replication request.
type ReplicateArgs struct {
	ChunkID   uint64
	Version   uint32
	XorMasks  [4]uint32
	SrcCount  uint8
	SourceTab []ReplicateSource
}

// GetArgs carries the chunkid/version pair shared by GetBlocks,
// GetChecksum, and GetChecksumTab, plus an output sink each collaborator
// writes its result into.
type GetArgs struct {
	ChunkID uint64
	Version uint32
	Out     interface{}
}

// ChunkMoveArgs carries source and destination file handles for moving a
// chunk between storage folders.
type ChunkMoveArgs struct {
	Src interface{}
	Dst interface{}
}

// state is a job's lifecycle position, guarded by Pool.indexMu.
type state int32

const (
	stateEnabled state = iota
	stateInProgress
	stateDisabled
)

// Callback is invoked on the reactor thread exactly once per submitted job
// that is ever drained, carrying the worker's status and the caller's
// opaque extra value.
type Callback func(status Status, extra interface{})

// job is the pool's internal bookkeeping record. The exported API never
// returns *job; callers address jobs by ID.
type job struct {
	id       uint32
	op       Op
	args     interface{}
	callback Callback
	extra    interface{}
	state    state
}
