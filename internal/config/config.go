// Package config parses the line-oriented "KEY = VALUE" configuration
// file format both mfsmaster and mfschunkserver read at startup and on
// reload, and applies the defaults and reload-time caps spec'd for each
// recognized key.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every recognized key, already defaulted and type-checked.
// Keys outside the recognized set are kept verbatim in Extra.
type Config struct {
	WorkersMax           uint32
	WorkersMaxIdle       uint32
	WorkersQueueLength   uint32
	MetaSaveFreq         uint32
	BackLogs             uint32
	BackMetaCopies       uint32
	WorkingUser          string
	WorkingGroup         string
	DataPath             string
	FileUmask            string
	LockMemory           bool
	NiceLevel            int
	LimitGlibcMallocArenas uint32
	DisableOOMKiller     bool
	SyslogIdent          string

	Extra map[string]string
}

// Default returns the built-in defaults, matching spec §6.
func Default() *Config {
	return &Config{
		WorkersMax:         250,
		WorkersMaxIdle:     40,
		WorkersQueueLength: 250,
		MetaSaveFreq:       1,
		BackLogs:           50,
		BackMetaCopies:     1,
		DataPath:           "/usr/local/var/mfs",
		FileUmask:          "027",
		SyslogIdent:        "mfsmaster",
		Extra:              map[string]string{},
	}
}

// Load reads path, applying recognized keys on top of Default() and
// collecting everything else into Extra.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: expected KEY = VALUE", path, lineNo)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if err := cfg.apply(key, val); err != nil {
			return nil, fmt.Errorf("config: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) apply(key, val string) error {
	switch key {
	case "WORKERS_MAX":
		return setUint32(&c.WorkersMax, val)
	case "WORKERS_MAX_IDLE":
		return setUint32(&c.WorkersMaxIdle, val)
	case "WORKERS_QUEUE_LENGTH":
		return setUint32(&c.WorkersQueueLength, val)
	case "METADATA_SAVE_FREQ":
		return setUint32(&c.MetaSaveFreq, val)
	case "BACK_LOGS":
		return setUint32(&c.BackLogs, val)
	case "BACK_META_KEEP_PREVIOUS":
		return setUint32(&c.BackMetaCopies, val)
	case "WORKING_USER":
		c.WorkingUser = val
	case "WORKING_GROUP":
		c.WorkingGroup = val
	case "DATA_PATH":
		c.DataPath = val
	case "FILE_UMASK":
		c.FileUmask = val
	case "LOCK_MEMORY":
		c.LockMemory = val == "1"
	case "NICE_LEVEL":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("NICE_LEVEL: %w", err)
		}
		c.NiceLevel = n
	case "LIMIT_GLIBC_MALLOC_ARENAS":
		return setUint32(&c.LimitGlibcMallocArenas, val)
	case "DISABLE_OOM_KILLER":
		c.DisableOOMKiller = val == "1"
	case "SYSLOG_IDENT":
		c.SyslogIdent = val
	default:
		c.Extra[key] = val
	}
	return nil
}

func setUint32(dst *uint32, val string) error {
	n, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return err
	}
	*dst = uint32(n)
	return nil
}

// CappedMetaSaveFreq returns MetaSaveFreq clamped to at most BackLogs/2,
// the reload-time cap spec §4.4 requires.
func (c *Config) CappedMetaSaveFreq() uint32 {
	max := c.BackLogs / 2
	if max == 0 {
		max = 1
	}
	if c.MetaSaveFreq == 0 {
		return 1
	}
	if c.MetaSaveFreq > max {
		return max
	}
	return c.MetaSaveFreq
}

// CappedBackMetaCopies returns BackMetaCopies clamped to 99.
func (c *Config) CappedBackMetaCopies() uint32 {
	if c.BackMetaCopies > 99 {
		return 99
	}
	return c.BackMetaCopies
}
