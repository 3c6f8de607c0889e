// Package orchestrator is the top-level coordinator for one backup run: it
// discovers existing backup instances from disk, enumerates live databases,
// applies the include/exclude filters, manages replication quiescence,
// dispatches per-database work across a bounded worker pool, and coordinates
// the run cache and LVM snapshot.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"sfReplicaBackup/internal/backupfile"
	"sfReplicaBackup/internal/backupinstance"
	"sfReplicaBackup/internal/config"
	"sfReplicaBackup/internal/dbinstance"
	"sfReplicaBackup/internal/logger"
	"sfReplicaBackup/internal/mysqlclient"
	"sfReplicaBackup/internal/replication"
	"sfReplicaBackup/internal/runcache"
	"sfReplicaBackup/internal/snapshot"
	fsutil "sfReplicaBackup/utils/fs"
)

// Orchestrator runs one backup pass against a loaded Settings.
type Orchestrator struct {
	cfg         *config.Settings
	lg          *logger.Logger
	factory     *backupfile.Factory
	client      *mysqlclient.Client
	replication *replication.Controller
	snapshot    *snapshot.Snapshot
	runCache    *runcache.Manager
	scanner     *fsutil.Scanner
	startedAt   time.Time
}

// New wires every component needed to run the backup against one settings
// file.
func New(settingsFile string, cfg *config.Settings, lg *logger.Logger) (*Orchestrator, error) {
	client, err := mysqlclient.New(cfg.MySQL)
	if err != nil {
		return nil, err
	}

	lockWait := time.Duration(cfg.CacheLockWaitSeconds()) * time.Second
	rc, err := runcache.New(settingsFile, cfg.Backup.RunningCacheFile, lockWait, cfg.CacheSuccessfulRunPurgeDays(), lg)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &Orchestrator{
		cfg:         cfg,
		lg:          lg,
		factory:     backupfile.NewFactory(cfg.Backup, lg),
		client:      client,
		replication: replication.New(client, lg),
		snapshot:    snapshot.New(cfg.Snapshot, lg),
		runCache:    rc,
		scanner:     fsutil.NewScanner(lg),
	}, nil
}

func (o *Orchestrator) Close() error {
	return o.client.Close()
}

// Run executes the full nine-step backup pass.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startedAt = time.Now()
	o.lg.Info("backup start", logger.String("time", o.startedAt.String()))
	defer func() {
		end := time.Now()
		o.lg.Info("backup end", logger.String("time", end.String()), logger.Duration("runtime", end.Sub(o.startedAt)))
	}()

	alreadyRan, err := o.runCache.HaveAlreadyRunWhileOthersAreStillRunning()
	if err != nil {
		return err
	}
	if alreadyRan {
		o.lg.Info("a backup using this settings file already ran while another is still running, nothing to do")
		return nil
	}

	if err := o.runCache.RegisterSelf(); err != nil {
		return err
	}
	defer func() {
		if err := o.runCache.DeregisterSelf(); err != nil {
			o.lg.Error("failed to deregister self from the running cache", logger.Error(err))
		}
	}()

	if err := o.replication.StopAndWait(ctx); err != nil {
		return err
	}

	dbInstances, err := o.discoverInstances(ctx)
	if err != nil {
		return err
	}

	if err := o.sweepNonBackupFiles(dbInstances); err != nil {
		return err
	}

	if err := o.processDatabases(ctx, dbInstances); err != nil {
		return err
	}

	count, err := o.runCache.CurrentRunningCount()
	if err != nil {
		return err
	}
	if count == 1 {
		o.lg.Info("this is the only backup running, starting the slave and refreshing the snapshot")
		if err := o.replication.StartAndWait(ctx); err != nil {
			return err
		}
		if err := o.snapshot.Refresh(ctx); err != nil {
			return err
		}
	} else {
		o.lg.Info("other backups are still running, leaving the slave stopped and snapshot untouched", logger.Int("running_count", count))
	}

	if err := o.runCache.UpdateLastSuccessfulRuntime(); err != nil {
		return err
	}
	return nil
}

// discoverInstances scans the incremental directory, parses every file as a
// BackupFile, groups them by (db_name, date_string), and reconciles each
// group into a BackupInstance, folding the survivors into per-database
// DBInstance objects. Files that fail to parse are dropped with a debug log
// and instances that fail reconciliation with a warning, rather than
// aborting the run.
func (o *Orchestrator) discoverInstances(ctx context.Context) (map[string]*dbinstance.DBInstance, error) {
	entries, err := o.scanner.List(o.cfg.Backup.IncrementalPath, fsutil.ScanOptions{Filter: fsutil.FilterFilesOnly()})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading incremental path: %w", err)
	}

	type group struct {
		dbName     string
		dateString string
		files      []backupfile.File
	}
	groups := make(map[string]*group)

	for _, e := range entries {
		bf, err := o.factory.Parse(e.Path)
		if err != nil {
			o.lg.Debug("file does not appear to be a valid backup file", logger.String("file", e.Path), logger.Error(err))
			continue
		}
		key := bf.DBName + "\x00" + bf.DateString
		g, ok := groups[key]
		if !ok {
			g = &group{dbName: bf.DBName, dateString: bf.DateString}
			groups[key] = g
		}
		g.files = append(g.files, bf)
	}

	perDB := make(map[string][]*backupinstance.Instance)
	for _, g := range groups {
		inst, err := backupinstance.FromFiles(ctx, o.factory, o.cfg.Backup, o.lg, g.dbName, g.dateString, g.files)
		if err != nil {
			o.lg.Warn("caught failure initializing backup instance, dropping it", logger.String("db", g.dbName), logger.String("date", g.dateString), logger.Error(err))
			continue
		}
		perDB[g.dbName] = append(perDB[g.dbName], inst)
	}

	now := time.Now()
	result := make(map[string]*dbinstance.DBInstance, len(perDB))
	for dbName, instances := range perDB {
		result[dbName] = dbinstance.New(dbName, instances, false, o.cfg.Backup, o.lg, now)
	}
	return result, nil
}

// sweepNonBackupFiles removes any file in the incremental or long-term
// directories that does not belong to a known BackupInstance and is older
// than cleanup_delay_days, skipping files currently held open by another
// process.
func (o *Orchestrator) sweepNonBackupFiles(dbInstances map[string]*dbinstance.DBInstance) error {
	if o.cfg.Backup.CleanupDelayDays == nil {
		return nil
	}

	known := make(map[string]bool)
	for _, dbi := range dbInstances {
		for _, f := range dbi.GetAllFiles() {
			known[f] = true
		}
	}

	all, err := o.allManagedFiles()
	if err != nil {
		return err
	}

	for _, f := range all {
		if known[f] {
			continue
		}
		open, err := fileIsOpen(f)
		if err != nil {
			return err
		}
		if open {
			o.lg.Debug("file is open, not removing it", logger.String("file", f))
			continue
		}

		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		ageDays := int64(time.Since(info.ModTime()).Hours() / 24)
		size := humanize.Bytes(uint64(info.Size()))
		if ageDays > int64(*o.cfg.Backup.CleanupDelayDays) {
			o.lg.Info("file does not appear to be a backup file and exceeds cleanup_delay_days, removing",
				logger.String("file", f), logger.Int64("age_days", ageDays), logger.String("size", size))
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("orchestrator: removing stray file %s: %w", f, err)
			}
		} else {
			o.lg.Info("file does not appear to be a backup file but is within cleanup_delay_days, leaving it",
				logger.String("file", f), logger.Int64("age_days", ageDays), logger.String("size", size))
		}
	}
	return nil
}

func (o *Orchestrator) allManagedFiles() ([]string, error) {
	var out []string
	for _, dir := range []string{o.cfg.Backup.IncrementalPath, o.cfg.Backup.LongTermBackupPath} {
		entries, err := o.scanner.List(dir, fsutil.ScanOptions{Filter: fsutil.FilterFilesOnly()})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: reading %s: %w", dir, err)
		}
		for _, e := range entries {
			out = append(out, e.Path)
		}
	}
	return out, nil
}

// processDatabases enumerates live databases, applies include/exclude
// filters, marks discovered-but-now-missing databases invalid, and dispatches
// each resulting DBInstance's work across a bounded worker pool.
func (o *Orchestrator) processDatabases(ctx context.Context, dbInstances map[string]*dbinstance.DBInstance) error {
	liveDBs, err := o.client.ListDatabases(ctx)
	if err != nil {
		return err
	}
	liveSet := make(map[string]bool, len(liveDBs))
	for _, d := range liveDBs {
		liveSet[d] = true
	}

	for name, dbi := range dbInstances {
		dbi.Valid = liveSet[name]
	}

	candidates := o.databasesToAttemptBackups(liveDBs)

	queue := make([]*dbinstance.DBInstance, 0, len(dbInstances))
	for _, name := range candidates {
		dbi, exists := dbInstances[name]
		if !exists {
			dbi = dbinstance.New(name, nil, true, o.cfg.Backup, o.lg, time.Now())
			dbInstances[name] = dbi
		}
		queue = append(queue, dbi)
	}
	// Databases that were discovered on disk but no longer exist at all
	// still need their cleanup-delay sweep even though they are not live.
	for name, dbi := range dbInstances {
		if !liveSet[name] {
			queue = append(queue, dbi)
		}
	}

	return o.dispatch(ctx, queue)
}

func (o *Orchestrator) databasesToAttemptBackups(liveDBs []string) []string {
	var out []string
	for _, db := range liveDBs {
		switch {
		case len(o.cfg.Limits.IncludeOnlyDatabases) > 0:
			if contains(o.cfg.Limits.IncludeOnlyDatabases, db) {
				out = append(out, db)
			}
		case len(o.cfg.Limits.ExcludeDatabases) > 0:
			if !contains(o.cfg.Limits.ExcludeDatabases, db) {
				out = append(out, db)
			}
		default:
			out = append(out, db)
		}
	}
	sort.Strings(out)
	o.lg.Info("database backup candidates based on include/exclude configuration", logger.Strings("databases", out))
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// dispatch runs each DBInstance's work across a bounded worker pool sized by
// max_parallel, falling back to the host's CPU count.
func (o *Orchestrator) dispatch(ctx context.Context, queue []*dbinstance.DBInstance) error {
	workers := runtime.NumCPU()
	if o.cfg.Backup.MaxParallel != nil && *o.cfg.Backup.MaxParallel > 0 {
		workers = *o.cfg.Backup.MaxParallel
	}
	if workers > len(queue) {
		workers = len(queue)
	}
	if workers <= 0 {
		return nil
	}

	o.lg.Info("starting database backup dispatch", logger.Int("workers", workers), logger.Int("databases", len(queue)))

	// A plain errgroup rather than WithContext: one database's failure must
	// surface in the run's exit status without cancelling its siblings'
	// in-flight dumps.
	sem := make(chan struct{}, workers)
	var g errgroup.Group

	for _, dbi := range queue {
		dbi := dbi
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			return o.runOneDatabase(ctx, dbi)
		})
	}
	return g.Wait()
}

// runOneDatabase births a fresh backup for dbi if the frequency criteria are
// met and folds it into the managed set, then applies the retention policy.
// A failure to produce the fresh dump is contained to this database: it is
// logged and the retention pass still runs over whatever instances already
// existed, rather than aborting every other database's dispatch.
func (o *Orchestrator) runOneDatabase(ctx context.Context, dbi *dbinstance.DBInstance) error {
	if dbi.Valid && dbi.ShouldAttemptBackup() {
		newInst, err := backupinstance.Birth(ctx, o.factory, o.cfg.MySQL, o.cfg.Backup, o.lg, dbi.DBName)
		if err != nil {
			o.lg.Error("backing up database failed, continuing with retention over existing instances",
				logger.String("db", dbi.DBName), logger.Error(err))
		} else if err := dbi.AdmitNewInstance(ctx, newInst); err != nil {
			o.lg.Error("admitting new instance failed, destroying it and continuing with retention",
				logger.String("db", dbi.DBName), logger.Error(err))
			if derr := newInst.SelfDestruct(); derr != nil {
				return fmt.Errorf("orchestrator: destroying failed instance for %s: %w", dbi.DBName, derr)
			}
		}
	}
	return dbi.Execute()
}
