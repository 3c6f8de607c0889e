// Package dbinstance owns the ordered collection of backup instances for
// one database and applies the retention policy: which incremental copies
// to keep short-term, which to promote to long-term, and when a database
// that no longer exists should have its leftover backups swept away.
package dbinstance

import (
	"context"
	"sort"
	"time"

	"sfReplicaBackup/internal/backupinstance"
	"sfReplicaBackup/internal/config"
	"sfReplicaBackup/internal/logger"
)

// DBInstance manages the BackupInstances for one database.
type DBInstance struct {
	DBName    string
	Instances []*backupinstance.Instance
	Valid     bool

	cfg config.Backup
	lg  *logger.Logger
	now time.Time
}

func New(dbName string, instances []*backupinstance.Instance, valid bool, cfg config.Backup, lg *logger.Logger, now time.Time) *DBInstance {
	return &DBInstance{DBName: dbName, Instances: instances, Valid: valid, cfg: cfg, lg: lg, now: now}
}

func (d *DBInstance) age(i *backupinstance.Instance) int64 {
	secs, err := i.AgeSecs(d.now)
	if err != nil {
		// A malformed date string should never reach here: the factory
		// validated it at parse time. Treat it as maximally old so it sorts
		// to the end rather than panicking mid-retention-pass.
		return 1 << 62
	}
	return secs
}

// Execute applies the retention policy (if valid) or the cleanup-delay
// sweep (if invalid). The caller is expected to have already birthed and
// admitted any new instance for this run via ShouldAttemptBackup/
// AdmitNewInstance before calling Execute, since birthing a dump requires a
// MySQL connection this package does not hold.
func (d *DBInstance) Execute() error {
	if d.Valid {
		return d.setCorrectState()
	}

	if d.cfg.CleanupDelayDays != nil {
		ageSecs := d.ageSecs()
		if ageSecs == nil {
			return nil
		}
		ageInDays := *ageSecs / 86400
		if ageInDays > int64(*d.cfg.CleanupDelayDays) {
			d.lg.Debug("database is invalid and exceeds the cleanup delay, removing", logger.String("db", d.DBName))
			return d.SelfDestruct()
		}
		d.lg.Debug("database is invalid but does not yet exceed the cleanup delay, leaving leftover backups", logger.String("db", d.DBName))
	}
	return nil
}

// getYoungestInstance returns the instance with the smallest age, or nil.
func (d *DBInstance) getYoungestInstance() *backupinstance.Instance {
	var youngest *backupinstance.Instance
	var youngestAge int64
	for _, inst := range d.Instances {
		age := d.age(inst)
		if youngest == nil || age < youngestAge {
			youngest = inst
			youngestAge = age
		}
	}
	return youngest
}

// getOldestInstance returns the instance with the largest age, or nil.
func (d *DBInstance) getOldestInstance() *backupinstance.Instance {
	var oldest *backupinstance.Instance
	var oldestAge int64
	for _, inst := range d.Instances {
		age := d.age(inst)
		if oldest == nil || age > oldestAge {
			oldest = inst
			oldestAge = age
		}
	}
	return oldest
}

func (d *DBInstance) getMostRecentLongTermAge() *int64 {
	for _, inst := range d.instancesYoungestToOldest() {
		if inst.IsLongTermVersion() {
			age := d.age(inst)
			return &age
		}
	}
	return nil
}

// instancesYoungestToOldest returns a stable-sorted copy, youngest first.
func (d *DBInstance) instancesYoungestToOldest() []*backupinstance.Instance {
	out := make([]*backupinstance.Instance, len(d.Instances))
	copy(out, d.Instances)
	sort.SliceStable(out, func(i, j int) bool {
		return d.age(out[i]) < d.age(out[j])
	})
	return out
}

func (d *DBInstance) ageSecs() *int64 {
	youngest := d.getYoungestInstance()
	if youngest == nil {
		return nil
	}
	age := d.age(youngest)
	return &age
}

func (d *DBInstance) setCorrectState() error {
	if err := d.setCorrectShortTermState(); err != nil {
		return err
	}
	return d.setCorrectLongTermState()
}

// setCorrectLongTermState decides whether the youngest instance should be
// promoted to long-term, then sweeps the existing long-term set against the
// max-copies, min-frequency, and max-lifespan limits.
func (d *DBInstance) setCorrectLongTermState() error {
	youngest := d.getYoungestInstance()
	if youngest == nil {
		return nil
	}

	if d.cfg.LongTermBackupMaxCopies != nil && *d.cfg.LongTermBackupMaxCopies == 0 {
		d.lg.Info("long term max copies is 0, removing all long term copies", logger.String("db", d.DBName))
		for _, inst := range d.instancesYoungestToOldest() {
			if err := inst.SetAsLongTermVersion(false); err != nil {
				return err
			}
		}
		return nil
	}

	makeYoungestLT := false
	if !youngest.IsLongTermVersion() {
		mostRecentLTAge := d.getMostRecentLongTermAge()
		if mostRecentLTAge == nil {
			makeYoungestLT = true
		} else if d.cfg.LongTermMinFrequencySecs == nil || *d.cfg.LongTermMinFrequencySecs < (*mostRecentLTAge-d.age(youngest)) {
			makeYoungestLT = true
		}
	} else {
		makeYoungestLT = true
	}

	if makeYoungestLT {
		if err := youngest.SetAsLongTermVersion(true); err != nil {
			return err
		}
	}

	ltCount := 0
	var lastInstanceAge *int64
	for _, inst := range d.instancesYoungestToOldest() {
		if !inst.IsLongTermVersion() {
			continue
		}
		keep := true

		if d.cfg.LongTermBackupMaxCopies != nil && ltCount >= *d.cfg.LongTermBackupMaxCopies {
			keep = false
		}
		if lastInstanceAge != nil && d.cfg.LongTermMinFrequencySecs != nil {
			ageBetween := d.age(inst) - *lastInstanceAge
			if ageBetween < *d.cfg.LongTermMinFrequencySecs {
				keep = false
			}
		}
		if d.cfg.LongTermMaxLifespanSecs != nil && d.age(inst) > *d.cfg.LongTermMaxLifespanSecs {
			keep = false
		}

		if keep {
			if err := inst.SetAsLongTermVersion(true); err != nil {
				return err
			}
			ltCount++
		} else {
			if err := inst.SetAsLongTermVersion(false); err != nil {
				return err
			}
		}
		age := d.age(inst)
		lastInstanceAge = &age
	}
	return nil
}

// setCorrectShortTermState walks instances youngest-first, destroying any
// that exceed max-copies, exceed max-lifespan, or arrive too soon after the
// last preserved instance. previousInstancesAge tracks the age of the most
// recently *preserved* instance across the whole loop.
func (d *DBInstance) setCorrectShortTermState() error {
	if d.getYoungestInstance() == nil {
		d.lg.Info("no short term backups exist, nothing to do", logger.String("db", d.DBName))
		return nil
	}

	stCounter := 0
	var previousInstancesAge *int64

	for _, inst := range d.instancesYoungestToOldest() {
		destroy := false

		if d.cfg.IncrementalMaxCopies != nil && stCounter >= *d.cfg.IncrementalMaxCopies {
			destroy = true
		}
		if d.cfg.IncrementalMaxLifespanSecs != nil && d.age(inst) > *d.cfg.IncrementalMaxLifespanSecs {
			destroy = true
		}
		if previousInstancesAge != nil && d.cfg.IncrementalMinFrequencySecs != nil &&
			(d.age(inst)-*previousInstancesAge) < *d.cfg.IncrementalMinFrequencySecs {
			destroy = true
		}

		if !destroy {
			stCounter++
			age := d.age(inst)
			previousInstancesAge = &age
		} else {
			if err := d.deleteInstance(inst); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *DBInstance) deleteInstance(target *backupinstance.Instance) error {
	kept := d.Instances[:0:0]
	for _, inst := range d.Instances {
		if inst != target {
			kept = append(kept, inst)
		}
	}
	d.Instances = kept
	return target.SelfDestruct()
}

// isCriteriaForAnAttemptMet reports whether enough time has passed since the
// youngest existing instance to attempt another dump.
func (d *DBInstance) isCriteriaForAnAttemptMet() bool {
	youngest := d.getYoungestInstance()
	if youngest == nil {
		return true
	}
	if d.cfg.IncrementalMinFrequencySecs == nil {
		return true
	}
	if d.age(youngest) > *d.cfg.IncrementalMinFrequencySecs {
		return true
	}
	d.lg.Info("minimum backup frequency requirement for incrementals was not met", logger.String("db", d.DBName))
	return false
}

// AdmitNewInstance is called by the orchestrator once it has already birthed
// a new Instance via backupinstance.Birth, to fold it into this database's
// managed set, discarding it when its checksum matches the youngest existing
// instance. Compression is applied only to an instance that survives the
// dedup check, so a discarded duplicate never pays the compression cost.
func (d *DBInstance) AdmitNewInstance(ctx context.Context, newInst *backupinstance.Instance) error {
	youngest := d.getYoungestInstance()
	if youngest == nil {
		d.lg.Info("no previous backups exist, preserving this one", logger.String("db", d.DBName))
		return d.keepNewInstance(ctx, newInst)
	}
	if !youngest.Equal(newInst) {
		d.lg.Info("most recent incremental has a different checksum, preserving this instance", logger.String("db", d.DBName))
		return d.keepNewInstance(ctx, newInst)
	}
	d.lg.Info("previous backup and this one match, discarding the new one", logger.String("db", d.DBName))
	return newInst.SelfDestruct()
}

func (d *DBInstance) keepNewInstance(ctx context.Context, newInst *backupinstance.Instance) error {
	if err := newInst.ApplyCompressionState(ctx); err != nil {
		return err
	}
	d.Instances = append(d.Instances, newInst)
	return nil
}

// ShouldAttemptBackup reports whether a fresh backup attempt is warranted
// right now for this database.
func (d *DBInstance) ShouldAttemptBackup() bool {
	return d.isCriteriaForAnAttemptMet()
}

// GetAllFiles returns the de-duplicated set of every file path across every
// managed instance.
func (d *DBInstance) GetAllFiles() []string {
	seen := make(map[string]bool)
	var out []string
	for _, inst := range d.Instances {
		for _, f := range inst.AllFiles() {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// SelfDestruct deletes every managed instance.
func (d *DBInstance) SelfDestruct() error {
	d.lg.Info("self destruct requested", logger.String("db", d.DBName))
	instances := append([]*backupinstance.Instance{}, d.Instances...)
	for _, inst := range instances {
		if err := d.deleteInstance(inst); err != nil {
			return err
		}
	}
	return nil
}
