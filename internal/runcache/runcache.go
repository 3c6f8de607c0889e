// Package runcache implements the on-disk run cache that coordinates
// multiple concurrent invocations of the backup tool against the same
// settings file: which ones are currently running, and when each last
// finished successfully. The store is a single JSON document guarded by an
// advisory flock.
package runcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v3/process"

	"sfReplicaBackup/internal/logger"
)

// cacheDocument is the full on-disk shape of the running cache file.
type cacheDocument struct {
	SuccessfulRunTimes map[string]int64 `json:"successful_run_times"`
	RunningBackups     map[string]int32 `json:"running_backups"`
}

func newCacheDocument() *cacheDocument {
	return &cacheDocument{
		SuccessfulRunTimes: make(map[string]int64),
		RunningBackups:     make(map[string]int32),
	}
}

// Manager coordinates access to the running cache file for one settings
// file (the key under which this invocation's state is tracked).
type Manager struct {
	settingsFile string
	cacheFile    string
	lockWait     time.Duration
	purgeDays    int
	lock         *flock.Flock
	lg           *logger.Logger
}

// New builds a Manager and immediately sanitizes the cache.
func New(settingsFile, cacheFile string, lockWait time.Duration, purgeDays int, lg *logger.Logger) (*Manager, error) {
	abs, err := filepath.Abs(settingsFile)
	if err != nil {
		return nil, fmt.Errorf("runcache: resolving settings file path: %w", err)
	}

	m := &Manager{
		settingsFile: abs,
		cacheFile:    cacheFile,
		lockWait:     lockWait,
		purgeDays:    purgeDays,
		lock:         flock.New(cacheFile + ".lock"),
		lg:           lg,
	}

	if err := m.sanitize(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) lockCache() error {
	m.lg.Debug("exclusively locking the running cache file")

	ctx, cancel := context.WithTimeout(context.Background(), m.lockWait)
	defer cancel()

	ok, err := m.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("runcache: acquiring lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("runcache: timed out waiting %s for the cache lock", m.lockWait)
	}
	return nil
}

func (m *Manager) unlockCache() {
	m.lg.Debug("unlocking the running cache file")
	_ = m.lock.Unlock()
}

func (m *Manager) read() (*cacheDocument, error) {
	b, err := os.ReadFile(m.cacheFile)
	if err != nil {
		if os.IsNotExist(err) {
			return newCacheDocument(), nil
		}
		return nil, fmt.Errorf("runcache: reading %s: %w", m.cacheFile, err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return newCacheDocument(), nil
	}

	doc := newCacheDocument()
	if err := json.Unmarshal(b, doc); err != nil {
		// A corrupt cache file is reset rather than treated as fatal.
		m.lg.Warn("running cache file could not be parsed, reinitializing it", logger.Error(err))
		return newCacheDocument(), nil
	}
	if doc.SuccessfulRunTimes == nil {
		doc.SuccessfulRunTimes = make(map[string]int64)
	}
	if doc.RunningBackups == nil {
		doc.RunningBackups = make(map[string]int32)
	}
	return doc, nil
}

func (m *Manager) write(doc *cacheDocument) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("runcache: marshaling cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.cacheFile), 0o755); err != nil {
		return fmt.Errorf("runcache: creating cache directory: %w", err)
	}
	return os.WriteFile(m.cacheFile, b, 0o644)
}

// sanitize removes dead pids from the running-backups map and prunes
// successful-run entries older than purgeDays.
func (m *Manager) sanitize() error {
	m.lg.Debug("sanitizing the running cache")

	if err := m.lockCache(); err != nil {
		return err
	}
	defer m.unlockCache()

	doc, err := m.read()
	if err != nil {
		return err
	}

	for sf, pid := range doc.RunningBackups {
		alive, err := pidIsThisProgram(pid)
		if err != nil || !alive {
			m.lg.Debug("found an orphaned pid, removing it from the running cache", logger.String("settings_file", sf))
			delete(doc.RunningBackups, sf)
		}
	}

	now := time.Now().Unix()
	for sf, successTime := range doc.SuccessfulRunTimes {
		ageInDays := int((now - successTime) / 86400)
		if ageInDays > m.purgeDays {
			delete(doc.SuccessfulRunTimes, sf)
		}
	}

	return m.write(doc)
}

// pidIsThisProgram reports whether pid is alive and is actually a backup
// process, checked by looking for "sfreplicabackup" in its cmdline.
func pidIsThisProgram(pid int32) (bool, error) {
	exists, err := process.PidExists(pid)
	if err != nil || !exists {
		return false, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return false, nil
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return true, nil
	}
	return strings.Contains(strings.ToLower(cmdline), "sfreplicabackup"), nil
}

// RegisterSelf records the current process as a running backup for this
// settings file.
func (m *Manager) RegisterSelf() error {
	m.lg.Debug("adding current pid to running cache")
	if err := m.lockCache(); err != nil {
		return err
	}
	defer m.unlockCache()

	doc, err := m.read()
	if err != nil {
		return err
	}
	doc.RunningBackups[m.settingsFile] = int32(os.Getpid())
	return m.write(doc)
}

// DeregisterSelf removes the current process from the running-backups map.
// It is not an error if the entry was already absent.
func (m *Manager) DeregisterSelf() error {
	m.lg.Debug("removing current pid from running cache")
	if err := m.lockCache(); err != nil {
		return err
	}
	defer m.unlockCache()

	doc, err := m.read()
	if err != nil {
		return err
	}
	delete(doc.RunningBackups, m.settingsFile)
	return m.write(doc)
}

// CurrentRunningCount returns the number of backups currently registered as
// running across all settings files sharing this cache.
func (m *Manager) CurrentRunningCount() (int, error) {
	if err := m.lockCache(); err != nil {
		return 0, err
	}
	defer m.unlockCache()

	doc, err := m.read()
	if err != nil {
		return 0, err
	}
	return len(doc.RunningBackups), nil
}

// UpdateLastSuccessfulRuntime stamps this process's start time as the last
// successful run for this settings file.
func (m *Manager) UpdateLastSuccessfulRuntime() error {
	m.lg.Debug("updating the stored successful runtime of this backup")
	if err := m.lockCache(); err != nil {
		return err
	}
	defer m.unlockCache()

	doc, err := m.read()
	if err != nil {
		return err
	}

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("runcache: inspecting own process: %w", err)
	}
	createTimeMs, err := p.CreateTime()
	if err != nil {
		return fmt.Errorf("runcache: reading own process start time: %w", err)
	}
	doc.SuccessfulRunTimes[m.settingsFile] = createTimeMs / 1000

	return m.write(doc)
}

// HaveAlreadyRunWhileOthersAreStillRunning reports whether any
// currently-running backup process started before this settings file's
// last successful run, which means re-running now would be redundant: the
// slave has not been restarted since that successful run completed.
func (m *Manager) HaveAlreadyRunWhileOthersAreStillRunning() (bool, error) {
	if err := m.lockCache(); err != nil {
		return false, err
	}
	defer m.unlockCache()

	doc, err := m.read()
	if err != nil {
		return false, err
	}

	lastSuccess, ok := doc.SuccessfulRunTimes[m.settingsFile]
	if !ok {
		return false, nil
	}

	for _, pid := range doc.RunningBackups {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		createTimeMs, err := p.CreateTime()
		if err != nil {
			continue
		}
		if createTimeMs/1000 < lastSuccess {
			return true, nil
		}
	}
	return false, nil
}
