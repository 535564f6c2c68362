// Command mfschunkserver runs the chunk server: job pool dispatch bound
// to a reactor, with procctl/config/metrics/httpapi wiring shared with
// mfsmaster.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/mfs-go/mfscore/internal/config"
	"github.com/mfs-go/mfscore/internal/httpapi"
	"github.com/mfs-go/mfscore/internal/jobpool"
	"github.com/mfs-go/mfscore/internal/metrics"
	"github.com/mfs-go/mfscore/internal/procctl"
	"github.com/mfs-go/mfscore/internal/reactor"
)

var (
	flagConfig      string
	flagLockTimeout int
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log).WithField("component", "mfschunkserver")

	root := &cobra.Command{
		Use:   "mfschunkserver",
		Short: "MooseFS-style chunk server",
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "/etc/mfs/mfschunkserver.cfg", "config file")
	root.PersistentFlags().IntVarP(&flagLockTimeout, "locktimeout", "t", 60, "seconds to wait for the lockfile to free")

	for _, mode := range []struct {
		use  string
		mode procctl.RunMode
	}{
		{"start", procctl.ModeStart},
		{"stop", procctl.ModeStop},
		{"restart", procctl.ModeRestart},
		{"try-restart", procctl.ModeTryRestart},
		{"reload", procctl.ModeReload},
		{"info", procctl.ModeInfo},
		{"test", procctl.ModeTest},
		{"kill", procctl.ModeKill},
	} {
		m := mode
		root.AddCommand(&cobra.Command{
			Use: m.use,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMode(entry, m.mode)
			},
		})
	}

	if err := root.Execute(); err != nil {
		entry.WithError(err).Fatal("mfschunkserver exiting")
	}
}

func loadConfig() (*config.Config, error) {
	if flagConfig == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(flagConfig); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(flagConfig)
}

func runMode(log *logrus.Entry, mode procctl.RunMode) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lockPath := filepath.Join(cfg.DataPath, ".mfschunkserver.lock")
	acquired, owner, err := procctl.Acquire(lockPath, mode, time.Duration(flagLockTimeout)*time.Second)
	if err != nil {
		return err
	}
	if !acquired {
		if owner != 0 {
			fmt.Printf("mfschunkserver pid: %d\n", owner)
		}
		return nil
	}

	limits := procctl.StartupLimits{
		MaxOpenFiles:     4096,
		LockMemory:       cfg.LockMemory,
		NiceLevel:        cfg.NiceLevel,
		DisableOOMKiller: cfg.DisableOOMKiller,
	}
	for _, e := range procctl.Apply(limits) {
		log.WithError(e).Warn("startup limit could not be applied")
	}

	registry, err := procctl.OpenRegistry(filepath.Join(cfg.DataPath, "mfschunkserver.instance.db"))
	if err != nil {
		return err
	}
	defer registry.Close()
	registry.Put(procctl.Record{PID: os.Getpid(), StartedAt: time.Now()})

	re, err := reactor.New(log)
	if err != nil {
		return err
	}
	defer re.Close()

	coll := &unwiredCollaborators{}
	pool, err := jobpool.New(log, coll, nil, cfg.WorkersMax, cfg.WorkersMaxIdle, cfg.WorkersQueueLength)
	if err != nil {
		return err
	}
	re.AddPollHandler(&poolPollHandler{pool: pool})
	re.OnDestroy(pool.Shutdown)

	promReg := prometheus.NewRegistry()
	mr := metrics.NewRegistry(promReg, "mfschunkserver")
	re.RegisterTimer(time.Second, 0, func() {
		st := pool.Stats()
		mr.WorkersTotal.Set(float64(st.WorkersTotal))
		mr.WorkersAvail.Set(float64(st.WorkersAvail))
		mr.QueueDepth.Set(float64(st.QueueDepth))
		pool.LoadSignal()
	})

	api := httpapi.New(log, pool, nil)
	srv := &http.Server{Handler: api.Handler()}
	ln, err := net.Listen("tcp", "127.0.0.1:9422")
	if err == nil {
		go srv.Serve(ln)
		re.OnDestroy(func() { srv.Close() })
	} else {
		log.WithError(err).Warn("debug http server not started")
	}

	re.Run()
	return nil
}

// poolPollHandler adapts jobpool.Pool's wake-pipe to reactor.PollHandler.
type poolPollHandler struct{ pool *jobpool.Pool }

func (h *poolPollHandler) Desc(add func(fd int, events int16)) {
	add(h.pool.WakeFD(), unix.POLLIN)
}

func (h *poolPollHandler) Serve(ready map[int]int16) {
	if _, ok := ready[h.pool.WakeFD()]; ok {
		h.pool.PollCheck(true)
	}
}

// unwiredCollaborators is the default hdd_*/replicate wiring for a
// freshly-started chunk server with no disk backend attached yet; a full
// deployment replaces this with the real implementation.
type unwiredCollaborators struct{}

func (unwiredCollaborators) ChunkOp(jobpool.ChunkOpArgs) jobpool.Status       { return jobpool.StatusNotDone }
func (unwiredCollaborators) ServRead(jobpool.ServRWArgs) jobpool.Status      { return jobpool.StatusNotDone }
func (unwiredCollaborators) ServWrite(jobpool.ServRWArgs) jobpool.Status     { return jobpool.StatusNotDone }
func (unwiredCollaborators) Replicate(jobpool.ReplicateArgs) jobpool.Status  { return jobpool.StatusNotDone }
func (unwiredCollaborators) GetBlocks(jobpool.GetArgs) jobpool.Status        { return jobpool.StatusNotDone }
func (unwiredCollaborators) GetChecksum(jobpool.GetArgs) jobpool.Status      { return jobpool.StatusNotDone }
func (unwiredCollaborators) GetChecksumTab(jobpool.GetArgs) jobpool.Status   { return jobpool.StatusNotDone }
func (unwiredCollaborators) ChunkMove(jobpool.ChunkMoveArgs) jobpool.Status  { return jobpool.StatusNotDone }
