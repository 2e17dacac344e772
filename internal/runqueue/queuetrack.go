package runqueue

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/prometheus/procfs"
)

// maxQueuedTasks mirrors the slot count of the kernel-side per-CPU array.
const maxQueuedTasks = 2048

const perCPUMapName = "stalld_per_cpu_data"

// queuedTask mirrors the kernel-side record layout: a task currently
// enqueued on a CPU's runqueue.
type queuedTask struct {
	PID    int64
	TGID   int64
	IsRT   int32
	Prio   int32
	CtxSwC int64
}

// queueTrackCPUData mirrors the kernel-side per-CPU map value. An empty slot
// has PID zero; the kernel writes PID last on enqueue and first on dequeue.
type queueTrackCPUData struct {
	Monitoring  int32
	Current     int32
	NrRTRunning int32
	_           [4]byte
	Tasks       [maxQueuedTasks]queuedTask
}

// QueueTrack reads per-CPU runqueue membership maintained by kernel programs
// attached to the enqueue/dequeue and sched_switch hooks. It may miss tasks
// whose kernel state byte is not running at sample time; callers rely only
// on the identity+ctxsw contract.
type QueueTrack struct {
	logger    *slog.Logger
	objPath   string
	procRoot  string
	monitored []int

	procFS procfs.FS
	coll   *ebpf.Collection
	perCPU *ebpf.Map
	links  []link.Link
}

// NewQueueTrack constructs the tracepoint-driven backend. The object file is
// the kernel-side program compiled from bpf/stalld.bpf.c, installed out of
// tree. monitored lists the CPUs whose map slots get the monitoring flag.
func NewQueueTrack(objPath, procRoot string, monitored []int, logger *slog.Logger) *QueueTrack {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &QueueTrack{
		logger:    logger.With("component", "queue_track"),
		objPath:   objPath,
		procRoot:  procRoot,
		monitored: monitored,
	}
}

// Init loads and attaches the kernel programs and enables monitoring for the
// configured CPUs.
func (b *QueueTrack) Init() error {
	fs, err := procfs.NewFS(b.procRoot)
	if err != nil {
		return fmt.Errorf("open proc root: %w", err)
	}
	b.procFS = fs

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("remove memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(b.objPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: no object at %s", ErrSourceUnavailable, b.objPath)
		}
		return fmt.Errorf("load object %s: %w", b.objPath, err)
	}

	mapSpec, ok := spec.Maps[perCPUMapName]
	if !ok {
		return fmt.Errorf("%w: object has no %s map", ErrSourceUnavailable, perCPUMapName)
	}
	nrCPUs := 0
	for _, cpu := range b.monitored {
		if cpu+1 > nrCPUs {
			nrCPUs = cpu + 1
		}
	}
	mapSpec.MaxEntries = uint32(nrCPUs)
	b.logger.Info("adjusted per-cpu map size", "cpus", nrCPUs)

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("load collection: %w", err)
	}

	b.coll = coll
	b.perCPU = coll.Maps[perCPUMapName]
	if b.perCPU == nil {
		b.closeLoaded()
		return fmt.Errorf("%w: %s map missing after load", ErrSourceUnavailable, perCPUMapName)
	}

	if err := b.setMonitoring(true); err != nil {
		b.closeLoaded()
		return err
	}

	for name, prog := range coll.Programs {
		lnk, err := link.AttachTracing(link.TracingOptions{Program: prog})
		if err != nil {
			b.closeLoaded()
			return fmt.Errorf("attach %s: %w", name, err)
		}
		b.links = append(b.links, lnk)
	}

	b.logger.Info("queue track source ready", "programs", len(b.links))
	return nil
}

// Acquire is free for this backend: each CPU query reads the map directly.
func (b *QueueTrack) Acquire() (View, error) {
	return &queueTrackView{backend: b}, nil
}

func (b *QueueTrack) HasStarvingCandidate(s Snapshot) bool {
	return s.NrRTRunning > 0
}

// Close disables monitoring so the kernel side stops writing, then detaches.
func (b *QueueTrack) Close() error {
	if b.coll == nil {
		return nil
	}
	if err := b.setMonitoring(false); err != nil {
		b.logger.Warn("failed to disable monitoring flags", "err", err)
	}
	b.closeLoaded()
	return nil
}

func (b *QueueTrack) closeLoaded() {
	for _, lnk := range b.links {
		_ = lnk.Close()
	}
	b.links = nil
	if b.coll != nil {
		b.coll.Close()
		b.coll = nil
		b.perCPU = nil
	}
}

func (b *QueueTrack) setMonitoring(enabled bool) error {
	for _, cpu := range b.monitored {
		var data queueTrackCPUData
		key := uint32(cpu)
		if err := b.perCPU.Lookup(key, &data); err != nil {
			return fmt.Errorf("lookup cpu %d data: %w", cpu, err)
		}
		if enabled {
			data.Monitoring = 1
		} else {
			data.Monitoring = 0
		}
		if err := b.perCPU.Update(key, &data, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("update cpu %d data: %w", cpu, err)
		}
	}
	return nil
}

type queueTrackView struct {
	backend *QueueTrack
}

func (v *queueTrackView) CPU(cpu int) (Snapshot, error) {
	var data queueTrackCPUData
	if err := v.backend.perCPU.Lookup(uint32(cpu), &data); err != nil {
		return Snapshot{}, fmt.Errorf("lookup cpu %d data: %w", cpu, err)
	}
	return v.backend.convert(&data), nil
}

// convert turns raw map slots into a Snapshot. The current task is queued
// but cannot be starving; tasks whose name can no longer be resolved have
// exited between the kernel write and this read.
func (b *QueueTrack) convert(data *queueTrackCPUData) Snapshot {
	var snap Snapshot
	for i := range data.Tasks {
		slot := &data.Tasks[i]
		if slot.PID == 0 {
			continue
		}
		snap.NrRunning++
		if slot.IsRT != 0 {
			snap.NrRTRunning++
		}
		if int32(slot.PID) == data.Current {
			continue
		}

		comm, ok := b.resolveComm(int(slot.TGID))
		if !ok {
			continue
		}

		snap.Tasks = append(snap.Tasks, TaskSnapshot{
			TID:   int(slot.PID),
			TGID:  int(slot.TGID),
			Comm:  comm,
			Prio:  int(slot.Prio),
			CtxSw: uint64(slot.CtxSwC),
		})
	}
	return snap
}

// resolveComm reads the process name for a thread group. Thread group zero
// is the daemon's own boost syscalls observed by the kernel programs.
func (b *QueueTrack) resolveComm(tgid int) (string, bool) {
	if tgid == 0 {
		return "stalld", true
	}
	proc, err := b.procFS.Proc(tgid)
	if err != nil {
		return "", false
	}
	comm, err := proc.Comm()
	if err != nil {
		return "", false
	}
	return comm, true
}
