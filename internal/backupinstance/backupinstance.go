// Package backupinstance models one atomic point-in-time backup of a single
// database: exactly one checksum file plus exactly one dump file (plain or
// compressed) after reconciliation. An Instance either reconstructs itself
// from a group of discovered files sharing (db_name, date_string), or is
// born fresh by triggering a dump, and self-destructs on any integrity
// violation rather than surviving in a half-valid state.
package backupinstance

import (
	"context"
	"fmt"
	"time"

	"sfReplicaBackup/internal/backupfile"
	"sfReplicaBackup/internal/config"
	"sfReplicaBackup/internal/logger"

	"github.com/shirou/gopsutil/v3/process"
)

// Instance is the atomic unit of a single point-in-time backup for one
// database.
type Instance struct {
	DBName     string
	DateString string
	Files      []backupfile.File
	Checksum   string
	DumpFile   backupfile.File

	factory *backupfile.Factory
	cfg     config.Backup
	lg      *logger.Logger
}

// Equal reports whether two instances represent the same backed-up content,
// defined as checksum equality.
func (i *Instance) Equal(other *Instance) bool {
	return i.Checksum == other.Checksum
}

// AgeSecs returns how many seconds old this instance is, based on the
// timestamp embedded in its filename rather than filesystem mtimes.
func (i *Instance) AgeSecs(now time.Time) (int64, error) {
	backupTime, err := time.ParseInLocation("20060102-150405", i.DateString, now.Location())
	if err != nil {
		return 0, fmt.Errorf("backupinstance: parsing date string %q: %w", i.DateString, err)
	}
	return now.Unix() - backupTime.Unix(), nil
}

// IsLongTermVersion reports whether this instance's dump file currently has
// a long-term counterpart on disk. This is always re-derived from the
// filesystem, never cached.
func (i *Instance) IsLongTermVersion() bool {
	return i.DumpFile.IsLongTermVersion(i.cfg)
}

// SetAsLongTermVersion copies or removes the long-term counterpart to match
// the requested state, doing nothing if already in that state.
func (i *Instance) SetAsLongTermVersion(want bool) error {
	have := i.IsLongTermVersion()
	if have == want {
		return nil
	}
	if want {
		return i.DumpFile.CopyToLongTerm(i.cfg, i.lg)
	}
	return i.DumpFile.RemoveLongTermVersion(i.cfg)
}

// SelfDestruct removes every file belonging to this instance, incremental
// and long-term.
func (i *Instance) SelfDestruct() error {
	for _, f := range i.Files {
		if err := i.factory.SelfDestruct(f); err != nil {
			return err
		}
	}
	return nil
}

// AllFiles returns the full paths of every file belonging to this instance,
// including its long-term copy if one exists.
func (i *Instance) AllFiles() []string {
	paths := make([]string, 0, len(i.Files)+1)
	for _, f := range i.Files {
		paths = append(paths, f.FullPath)
	}
	if i.IsLongTermVersion() {
		paths = append(paths, i.DumpFile.LongTermPath(i.cfg))
	}
	return paths
}

// anyFileOpen reports whether any process on the system has one of these
// files open, used to avoid reconstructing an instance that is still being
// written.
func anyFileOpen(paths []string) (bool, error) {
	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}

	pids, err := process.Pids()
	if err != nil {
		return false, fmt.Errorf("backupinstance: listing processes: %w", err)
	}
	for _, pid := range pids {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		files, err := p.OpenFiles()
		if err != nil {
			continue
		}
		for _, f := range files {
			if wanted[f.Path] {
				return true, nil
			}
		}
	}
	return false, nil
}

// FromFiles reconstructs an Instance from a group of BackupFiles sharing
// (db_name, date_string), reconciling them per the integrity invariants and
// then bringing the dump file's compression state in line with
// cfg.CompressionEnabled. It self-destructs and returns an error on any
// violation.
func FromFiles(ctx context.Context, factory *backupfile.Factory, cfg config.Backup, lg *logger.Logger, dbName, dateString string, files []backupfile.File) (*Instance, error) {
	i := &Instance{DBName: dbName, DateString: dateString, Files: files, factory: factory, cfg: cfg, lg: lg}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.FullPath)
	}
	open, err := anyFileOpen(paths)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, fmt.Errorf("backupinstance: files are being written, can not instantiate %s %s", dbName, dateString)
	}

	if err := i.reconcile(); err != nil {
		return nil, err
	}
	if err := i.setCompressionState(ctx); err != nil {
		return nil, err
	}
	return i, nil
}

// Birth triggers a fresh dump for dbName, producing a checksum file and a
// dump file, and reconciles the result. Compression is deliberately left
// deferred here: the caller is expected to compare this instance's checksum
// against the previous one first and discard it on a match (see
// dbinstance.AdmitNewInstance) before paying the cost of compressing a dump
// that is about to be thrown away. Call ApplyCompressionState once the
// instance is known to be worth keeping.
func Birth(ctx context.Context, factory *backupfile.Factory, mysqlCfg config.MySQL, cfg config.Backup, lg *logger.Logger, dbName string) (*Instance, error) {
	now := time.Now()

	plain, err := factory.BirthDump(ctx, mysqlCfg, dbName, now)
	if err != nil {
		return nil, err
	}
	checksumFile, err := factory.BirthChecksum(plain)
	if err != nil {
		return nil, err
	}

	i := &Instance{
		DBName:     dbName,
		DateString: plain.DateString,
		Files:      []backupfile.File{plain, checksumFile},
		factory:    factory,
		cfg:        cfg,
		lg:         lg,
	}

	if err := i.reconcile(); err != nil {
		return nil, err
	}
	return i, nil
}

// ApplyCompressionState transitions the dump file to match
// cfg.CompressionEnabled. Exported so callers that defer compression past
// construction (see Birth) can apply it once an instance is confirmed worth
// keeping.
func (i *Instance) ApplyCompressionState(ctx context.Context) error {
	return i.setCompressionState(ctx)
}

// reconcile enforces: exactly one checksum file with non-empty content, and
// exactly one dump file (plain xor compressed). Any violation self-destructs
// the instance and returns an error.
func (i *Instance) reconcile() error {
	var checksumFile *backupfile.File
	var dumpFiles []backupfile.File

	for idx := range i.Files {
		f := &i.Files[idx]
		switch f.Kind {
		case backupfile.Checksum:
			checksumFile = f
		case backupfile.Plain, backupfile.Compressed:
			dumpFiles = append(dumpFiles, *f)
		}
	}

	if checksumFile == nil {
		i.destructAndFail("checksum file missing, this backup is invalid")
		return fmt.Errorf("backupinstance: checksum file missing for %s %s", i.DBName, i.DateString)
	}

	sum, err := checksumFile.ReadChecksum()
	if err != nil || sum == "" {
		i.destructAndFail("checksum file exists but had no content")
		return fmt.Errorf("backupinstance: checksum file for %s %s has no content", i.DBName, i.DateString)
	}

	// Both a plain and compressed dump present is a leftover from a failed
	// compression step; the compressed one cannot be trusted.
	if len(dumpFiles) > 1 {
		var kept []backupfile.File
		for _, f := range dumpFiles {
			if f.Kind == backupfile.Compressed {
				if err := i.factory.SelfDestruct(f); err != nil {
					i.destructAndFail("failed to delete the stale compressed file, self destructing this instance")
					return err
				}
				if f.Exists() {
					i.destructAndFail("stale compressed file still exists after delete, self destructing this instance")
					return fmt.Errorf("backupinstance: tried to delete %s but failed", f.FullPath)
				}
				continue
			}
			kept = append(kept, f)
		}
		dumpFiles = kept
	}

	if len(dumpFiles) != 1 {
		i.destructAndFail("no dump file exists, self destructing this instance")
		return fmt.Errorf("backupinstance: expected exactly one dump file for %s %s, found %d", i.DBName, i.DateString, len(dumpFiles))
	}

	i.Checksum = sum
	i.DumpFile = dumpFiles[0]
	i.Files = append([]backupfile.File{i.DumpFile}, *checksumFile)
	return nil
}

func (i *Instance) destructAndFail(msg string) {
	i.lg.Error(msg, logger.String("db", i.DBName), logger.String("date", i.DateString))
	_ = i.SelfDestruct()
}

// setCompressionState transitions the dump file to match
// cfg.CompressionEnabled, compressing a plain dump or decompressing a
// compressed one as needed.
func (i *Instance) setCompressionState(ctx context.Context) error {
	switch {
	case i.cfg.CompressionEnabled && i.DumpFile.Kind == backupfile.Plain:
		compressed, err := i.factory.BirthCompressed(ctx, i.DumpFile)
		if err != nil {
			return err
		}
		if i.DumpFile.Exists() {
			return fmt.Errorf("backupinstance: attempted to delete the plain file but failed")
		}
		i.replaceDumpFile(compressed)

	case !i.cfg.CompressionEnabled && i.DumpFile.Kind == backupfile.Compressed:
		plain, err := i.factory.Decompress(ctx, i.DumpFile)
		if err != nil {
			return err
		}
		if i.DumpFile.Exists() {
			return fmt.Errorf("backupinstance: attempted to delete the compressed file but failed")
		}
		i.replaceDumpFile(plain)
	}
	return nil
}

func (i *Instance) replaceDumpFile(newDump backupfile.File) {
	files := i.Files[:0]
	for _, f := range i.Files {
		if f.Kind != backupfile.Plain && f.Kind != backupfile.Compressed {
			files = append(files, f)
		}
	}
	i.Files = append(files, newDump)
	i.DumpFile = newDump
}
