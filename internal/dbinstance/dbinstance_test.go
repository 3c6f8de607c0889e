package dbinstance

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"sfReplicaBackup/internal/backupfile"
	"sfReplicaBackup/internal/backupinstance"
	"sfReplicaBackup/internal/config"
	"sfReplicaBackup/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	lg, err := logger.New(config.Logging{LogLevel: "info"}, "TEST01")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return lg
}

func testEnv(t *testing.T) (*backupfile.Factory, config.Backup) {
	t.Helper()
	cfg := config.Backup{
		IncrementalPath:         t.TempDir(),
		LongTermBackupPath:      t.TempDir(),
		CompressedFileExtension: "gz",
	}
	return backupfile.NewFactory(cfg, testLogger(t)), cfg
}

// newInstanceAt builds a reconciled Instance whose embedded timestamp is
// "now" minus age, via a dump+checksum pair written directly to disk.
func newInstanceAt(t *testing.T, f *backupfile.Factory, cfg config.Backup, dbName string, now time.Time, age time.Duration, checksum string) *backupinstance.Instance {
	t.Helper()
	at := now.Add(-age)
	dateString := backupfile.FormatDateString(at)

	dumpPath := filepath.Join(cfg.IncrementalPath, dbName+"__"+dateString+".sql")
	if err := os.WriteFile(dumpPath, []byte("dump"), 0o644); err != nil {
		t.Fatalf("writing dump fixture: %v", err)
	}
	sumPath := filepath.Join(cfg.IncrementalPath, dbName+"__"+dateString+".md5")
	if err := os.WriteFile(sumPath, []byte(checksum), 0o644); err != nil {
		t.Fatalf("writing checksum fixture: %v", err)
	}
	dump, err := f.Parse(dumpPath)
	if err != nil {
		t.Fatalf("parsing dump fixture: %v", err)
	}
	sum, err := f.Parse(sumPath)
	if err != nil {
		t.Fatalf("parsing checksum fixture: %v", err)
	}

	inst, err := backupinstance.FromFiles(context.Background(), f, cfg, testLogger(t), dbName, dateString, []backupfile.File{dump, sum})
	if err != nil {
		t.Fatalf("FromFiles: %v", err)
	}
	return inst
}

func TestGetOldestInstanceReturnsTheOldest(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()

	young := newInstanceAt(t, f, cfg, "mydb", now, time.Hour, "a")
	old := newInstanceAt(t, f, cfg, "mydb", now, 72*time.Hour, "b")
	mid := newInstanceAt(t, f, cfg, "mydb", now, 24*time.Hour, "c")

	d := New("mydb", []*backupinstance.Instance{young, old, mid}, true, cfg, testLogger(t), now)
	got := d.getOldestInstance()
	if got != old {
		t.Fatalf("getOldestInstance did not return the true oldest instance")
	}
}

func TestGetYoungestInstanceReturnsTheYoungest(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()

	young := newInstanceAt(t, f, cfg, "mydb", now, time.Hour, "a")
	old := newInstanceAt(t, f, cfg, "mydb", now, 72*time.Hour, "b")

	d := New("mydb", []*backupinstance.Instance{old, young}, true, cfg, testLogger(t), now)
	got := d.getYoungestInstance()
	if got != young {
		t.Fatalf("getYoungestInstance did not return the true youngest instance")
	}
}

func TestExecuteInvalidDatabaseUsesDivisionForAgeInDays(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()
	delayDays := 2
	cfg.CleanupDelayDays = &delayDays

	// 3 days old: the correct division yields 3 days, which crosses the
	// 2-day threshold and triggers self-destruction. A multiplication bug
	// would inflate the age far past any delay setting and remove every
	// invalid database at once; TestExecuteInvalidDatabaseKeepsRecentBackups
	// is the test that catches that.
	inst := newInstanceAt(t, f, cfg, "mydb", now, 72*time.Hour, "a")

	d := New("mydb", []*backupinstance.Instance{inst}, false, cfg, testLogger(t), now)
	if err := d.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst.DumpFile.Exists() {
		t.Fatalf("expected the invalid, stale database's backup to be removed")
	}
}

func TestExecuteInvalidDatabaseKeepsRecentBackups(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()
	delayDays := 5
	cfg.CleanupDelayDays = &delayDays

	inst := newInstanceAt(t, f, cfg, "mydb", now, 24*time.Hour, "a")

	d := New("mydb", []*backupinstance.Instance{inst}, false, cfg, testLogger(t), now)
	if err := d.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !inst.DumpFile.Exists() {
		t.Fatalf("expected the invalid but recent database's backup to survive")
	}
}

func TestSetCorrectShortTermStateTracksGapAcrossWholeLoop(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()
	minFreq := int64(3600) // 1 hour
	cfg.IncrementalMinFrequencySecs = &minFreq

	// Youngest at 10m, middle at 40m (30m after youngest: too soon),
	// oldest at 80m (70m after youngest, the last *preserved* instance:
	// far enough). Tracking previousInstancesAge across the whole loop
	// (rather than resetting it every iteration) means middle's destruction
	// does not stop oldest from being compared against youngest, the last
	// surviving instance, and correctly kept.
	youngest := newInstanceAt(t, f, cfg, "mydb", now, 10*time.Minute, "a")
	middle := newInstanceAt(t, f, cfg, "mydb", now, 40*time.Minute, "b")
	oldest := newInstanceAt(t, f, cfg, "mydb", now, 80*time.Minute, "c")

	d := New("mydb", []*backupinstance.Instance{youngest, middle, oldest}, true, cfg, testLogger(t), now)
	if err := d.setCorrectShortTermState(); err != nil {
		t.Fatalf("setCorrectShortTermState: %v", err)
	}

	if !youngest.DumpFile.Exists() {
		t.Fatalf("expected the youngest instance to survive")
	}
	if middle.DumpFile.Exists() {
		t.Fatalf("expected the too-soon middle instance to be destroyed")
	}
	if !oldest.DumpFile.Exists() {
		t.Fatalf("expected the oldest instance, far enough from the youngest surviving instance, to be kept")
	}
}

func TestSetCorrectLongTermStatePromotesWithoutMinFrequencyLimit(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()
	// long_term_backup_min_frequency_seconds left unset (no limit): a
	// long-term copy already exists, and promotion of the new youngest must
	// still proceed on every run rather than stopping forever after the
	// first promotion.

	old := newInstanceAt(t, f, cfg, "mydb", now, 10*24*time.Hour, "a")
	if err := old.SetAsLongTermVersion(true); err != nil {
		t.Fatalf("seeding old as long term: %v", err)
	}
	youngest := newInstanceAt(t, f, cfg, "mydb", now, time.Hour, "b")

	d := New("mydb", []*backupinstance.Instance{old, youngest}, true, cfg, testLogger(t), now)
	if err := d.setCorrectLongTermState(); err != nil {
		t.Fatalf("setCorrectLongTermState: %v", err)
	}

	if !youngest.IsLongTermVersion() {
		t.Fatalf("expected the youngest instance to be promoted to long term despite no configured min frequency")
	}
	if !old.IsLongTermVersion() {
		t.Fatalf("expected the existing long term copy to remain, nothing here should have demoted it")
	}
}

func TestSetCorrectLongTermStateMaxCopiesZeroRemovesAll(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()
	zero := 0
	cfg.LongTermBackupMaxCopies = &zero

	inst := newInstanceAt(t, f, cfg, "mydb", now, time.Hour, "a")
	if err := inst.SetAsLongTermVersion(true); err != nil {
		t.Fatalf("seeding instance as long term: %v", err)
	}

	d := New("mydb", []*backupinstance.Instance{inst}, true, cfg, testLogger(t), now)
	if err := d.setCorrectLongTermState(); err != nil {
		t.Fatalf("setCorrectLongTermState: %v", err)
	}

	if inst.IsLongTermVersion() {
		t.Fatalf("expected long_term_backup_max_copies=0 to remove every long term copy")
	}
}

func TestSetCorrectLongTermStateDemotesBeyondMaxCopies(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()
	maxCopies := 2
	cfg.LongTermBackupMaxCopies = &maxCopies

	a := newInstanceAt(t, f, cfg, "mydb", now, time.Hour, "a")
	b := newInstanceAt(t, f, cfg, "mydb", now, 2*24*time.Hour, "b")
	c := newInstanceAt(t, f, cfg, "mydb", now, 10*24*time.Hour, "c")
	for _, inst := range []*backupinstance.Instance{a, b, c} {
		if err := inst.SetAsLongTermVersion(true); err != nil {
			t.Fatalf("seeding instance as long term: %v", err)
		}
	}

	d := New("mydb", []*backupinstance.Instance{a, b, c}, true, cfg, testLogger(t), now)
	if err := d.setCorrectLongTermState(); err != nil {
		t.Fatalf("setCorrectLongTermState: %v", err)
	}

	if !a.IsLongTermVersion() || !b.IsLongTermVersion() {
		t.Fatalf("expected the two youngest long term copies to survive")
	}
	if c.IsLongTermVersion() {
		t.Fatalf("expected the oldest long term copy to be demoted beyond long_term_backup_max_copies")
	}
}

func TestSetCorrectLongTermStateDemotesBeyondMaxLifespan(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()
	maxLifespan := int64(365 * 24 * 60 * 60)
	cfg.LongTermMaxLifespanSecs = &maxLifespan

	inst := newInstanceAt(t, f, cfg, "mydb", now, 400*24*time.Hour, "a")
	if err := inst.SetAsLongTermVersion(true); err != nil {
		t.Fatalf("seeding instance as long term: %v", err)
	}

	d := New("mydb", []*backupinstance.Instance{inst}, true, cfg, testLogger(t), now)
	if err := d.setCorrectLongTermState(); err != nil {
		t.Fatalf("setCorrectLongTermState: %v", err)
	}

	if inst.IsLongTermVersion() {
		t.Fatalf("expected the long term copy to be demoted for exceeding long_term_max_lifespan_seconds")
	}
}

func TestAdmitNewInstanceDiscardsDuplicateChecksum(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()

	existing := newInstanceAt(t, f, cfg, "mydb", now, time.Hour, "same")
	d := New("mydb", []*backupinstance.Instance{existing}, true, cfg, testLogger(t), now)

	fresh := newInstanceAt(t, f, cfg, "mydb", now, 0, "same")
	if err := d.AdmitNewInstance(context.Background(), fresh); err != nil {
		t.Fatalf("AdmitNewInstance: %v", err)
	}
	if len(d.Instances) != 1 {
		t.Fatalf("expected the duplicate to be discarded, got %d instances", len(d.Instances))
	}
	if fresh.DumpFile.Exists() {
		t.Fatalf("expected the discarded duplicate's files to be removed")
	}
}

func TestAdmitNewInstanceKeepsDifferentChecksum(t *testing.T) {
	f, cfg := testEnv(t)
	now := time.Now()

	existing := newInstanceAt(t, f, cfg, "mydb", now, time.Hour, "old")
	d := New("mydb", []*backupinstance.Instance{existing}, true, cfg, testLogger(t), now)

	fresh := newInstanceAt(t, f, cfg, "mydb", now, 0, "new")
	if err := d.AdmitNewInstance(context.Background(), fresh); err != nil {
		t.Fatalf("AdmitNewInstance: %v", err)
	}
	if len(d.Instances) != 2 {
		t.Fatalf("expected both instances to be kept, got %d", len(d.Instances))
	}
}

func requireCompressionTools(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"gzip", "gunzip"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not found in PATH, skipping compression test", tool)
		}
	}
}

func TestAdmitNewInstanceCompressesKeptInstance(t *testing.T) {
	requireCompressionTools(t)
	cfg := config.Backup{
		IncrementalPath:         t.TempDir(),
		LongTermBackupPath:      t.TempDir(),
		CompressionEnabled:      true,
		CompressCommand:         "gzip",
		DecompressCommand:       "gunzip",
		CompressedFileExtension: "gz",
	}
	f := backupfile.NewFactory(cfg, testLogger(t))
	now := time.Now()

	d := New("mydb", nil, true, cfg, testLogger(t), now)
	fresh := newInstanceAt(t, f, cfg, "mydb", now, 0, "abc")
	if err := d.AdmitNewInstance(context.Background(), fresh); err != nil {
		t.Fatalf("AdmitNewInstance: %v", err)
	}

	if len(d.Instances) != 1 {
		t.Fatalf("expected the instance to be kept, got %d", len(d.Instances))
	}
	kept := d.Instances[0]
	if kept.DumpFile.Kind != backupfile.Compressed {
		t.Fatalf("expected the admitted instance to end up compressed, got %s", kept.DumpFile.Kind)
	}
	if !kept.DumpFile.Exists() {
		t.Fatalf("expected the compressed dump to exist on disk")
	}
}
