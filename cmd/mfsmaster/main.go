// Command mfsmaster runs the metadata server: job pool is unused here
// (chunk-level dispatch belongs to mfschunkserver) but the reactor,
// metadata engine, procctl, config, metrics, and httpapi wiring is
// shared.
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

	"github.com/mfs-go/mfscore/internal/config"
	"github.com/mfs-go/mfscore/internal/httpapi"
	"github.com/mfs-go/mfscore/internal/metadata"
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
	entry := logrus.NewEntry(log).WithField("component", "mfsmaster")

	root := &cobra.Command{
		Use:   "mfsmaster",
		Short: "MooseFS-style master metadata server",
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "/etc/mfs/mfsmaster.cfg", "config file")
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
	root.AddCommand(&cobra.Command{
		Use:   "restore",
		Short: "run auto-restore against the data directory and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(entry)
		},
	})

	if err := root.Execute(); err != nil {
		entry.WithError(err).Fatal("mfsmaster exiting")
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

func runRestore(log *logrus.Entry) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := metadata.NewRegistry(nil)
	eng := metadata.NewEngine(log, cfg.DataPath, reg, nil, cfg.CappedBackMetaCopies(), true)
	if err := eng.AutoRestore(nil, 10000); err != nil {
		return fmt.Errorf("auto-restore: %w", err)
	}
	fmt.Printf("restored metaversion=%d metaid=%d\n", eng.MetaVersion(), eng.MetaID())
	return nil
}

func runMode(log *logrus.Entry, mode procctl.RunMode) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lockPath := filepath.Join(cfg.DataPath, ".mfsmaster.lock")
	acquired, owner, err := procctl.Acquire(lockPath, mode, time.Duration(flagLockTimeout)*time.Second)
	if err != nil {
		return err
	}
	if !acquired {
		if owner != 0 {
			fmt.Printf("mfsmaster pid: %d\n", owner)
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

	registry, err := procctl.OpenRegistry(filepath.Join(cfg.DataPath, "mfsmaster.instance.db"))
	if err != nil {
		return err
	}
	defer registry.Close()
	registry.Put(procctl.Record{PID: os.Getpid(), StartedAt: time.Now()})

	exitReq := &reactorExitRequester{}
	secReg := metadata.NewRegistry(nil)
	eng := metadata.NewEngine(log, cfg.DataPath, secReg, exitReq, cfg.CappedBackMetaCopies(), false)

	re, err := reactor.New(log)
	if err != nil {
		return err
	}
	exitReq.r = re
	defer re.Close()

	promReg := prometheus.NewRegistry()
	mr := metrics.NewRegistry(promReg, "mfsmaster")
	re.RegisterTimer(time.Second, 0, func() {
		mr.MetaVersion.Set(float64(eng.MetaVersion()))
		_, secs, status := eng.LastSaveInfo()
		mr.LastSaveStatus.Set(float64(status))
		mr.LastSaveSecs.Set(secs)
	})

	hourHooks := newHourlyCounter()
	re.RegisterTimer(time.Hour, 0, func() {
		eng.RotatePeriodic(noopChangelog{}, hourHooks.next(), cfg.CappedMetaSaveFreq(), int(cfg.BackLogs))
	})

	api := httpapi.New(log, nil, eng)
	srv := &http.Server{Handler: api.Handler()}
	ln, err := net.Listen("tcp", "127.0.0.1:9421")
	if err == nil {
		go srv.Serve(ln)
		re.OnDestroy(func() { srv.Close() })
	} else {
		log.WithError(err).Warn("debug http server not started")
	}

	re.Run()
	return nil
}

type reactorExitRequester struct{ r *reactor.Reactor }

func (e *reactorExitRequester) RequestExit() {
	if e.r != nil {
		e.r.NotifyInternalExit()
	}
}

type hourlyCounter struct{ n uint64 }

func newHourlyCounter() *hourlyCounter { return &hourlyCounter{} }
func (h *hourlyCounter) next() uint64  { h.n++; return h.n }

// noopChangelog is the default changelog collaborator wiring for a
// freshly-started master with no node/edge collaborators attached yet;
// a full deployment replaces this with the real implementation.
type noopChangelog struct{}

func (noopChangelog) Rotate(keep int) error { return nil }
func (noopChangelog) Replay(files []string, startVersion uint64, maxGap uint64) (uint64, error) {
	return startVersion, nil
}
