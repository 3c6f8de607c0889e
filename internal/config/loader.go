// Package config loads the INI settings file into an immutable Settings
// value. Nothing in this package mutates a Settings after
// Load returns it; every component that needs configuration receives a
// *Settings reference explicitly instead of reaching for a package-level
// singleton.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// Load parses path as an INI file with the [MySQL], [Backup], [Snapshot],
// [Limits] and [Logging] sections and returns a fully populated Settings.
// Empty values for the optional numeric limits mean "no limit" and are left
// as nil. Load fails on a missing file, a malformed INI document, or missing
// required MySQL credentials/paths.
func Load(path string) (*Settings, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	s := &Settings{}

	mysqlSec := cfg.Section("MySQL")
	s.MySQL = MySQL{
		Host:        mysqlSec.Key("host").String(),
		Username:    mysqlSec.Key("username").String(),
		Password:    mysqlSec.Key("password").String(),
		DumpOptions: mysqlSec.Key("dump_options").String(),
	}

	backupSec := cfg.Section("Backup")
	compressionEnabled, err := backupSec.Key("compression_enabled").Bool()
	if err != nil && backupSec.Key("compression_enabled").String() != "" {
		return nil, fmt.Errorf("config: Backup.compression_enabled: %w", err)
	}
	maxParallel, err := intOrNil(backupSec.Key("max_parallel").String())
	if err != nil {
		return nil, fmt.Errorf("config: Backup.max_parallel: %w", err)
	}
	cleanupDelayDays, err := intOrNil(backupSec.Key("cleanup_delay_days").String())
	if err != nil {
		return nil, fmt.Errorf("config: Backup.cleanup_delay_days: %w", err)
	}
	incMinFreq, err := int64OrNil(backupSec.Key("incremental_min_backup_frequency_seconds").String())
	if err != nil {
		return nil, fmt.Errorf("config: Backup.incremental_min_backup_frequency_seconds: %w", err)
	}
	incMaxLifespan, err := int64OrNil(backupSec.Key("incremental_max_lifespan_seconds").String())
	if err != nil {
		return nil, fmt.Errorf("config: Backup.incremental_max_lifespan_seconds: %w", err)
	}
	incMaxCopies, err := intOrNil(backupSec.Key("incremental_max_copies").String())
	if err != nil {
		return nil, fmt.Errorf("config: Backup.incremental_max_copies: %w", err)
	}
	ltMinFreq, err := int64OrNil(backupSec.Key("long_term_backup_min_frequency_seconds").String())
	if err != nil {
		return nil, fmt.Errorf("config: Backup.long_term_backup_min_frequency_seconds: %w", err)
	}
	ltMaxLifespan, err := int64OrNil(backupSec.Key("long_term_max_lifespan_seconds").String())
	if err != nil {
		return nil, fmt.Errorf("config: Backup.long_term_max_lifespan_seconds: %w", err)
	}
	ltMaxCopies, err := intOrNil(backupSec.Key("long_term_backup_max_copies").String())
	if err != nil {
		return nil, fmt.Errorf("config: Backup.long_term_backup_max_copies: %w", err)
	}
	cacheLockWait, err := intOrNil(backupSec.Key("cache_lock_wait").String())
	if err != nil {
		return nil, fmt.Errorf("config: Backup.cache_lock_wait: %w", err)
	}
	cachePurgeDays, err := intOrNil(backupSec.Key("cache_successful_run_purge_days").String())
	if err != nil {
		return nil, fmt.Errorf("config: Backup.cache_successful_run_purge_days: %w", err)
	}

	s.Backup = Backup{
		CompressionEnabled:          compressionEnabled,
		CompressCommand:             backupSec.Key("compress_command").String(),
		DecompressCommand:           backupSec.Key("decompress_command").String(),
		CompressedFileExtension:     strings.TrimPrefix(backupSec.Key("compressed_file_extension").String(), "."),
		MaxParallel:                 maxParallel,
		CleanupDelayDays:            cleanupDelayDays,
		IncrementalPath:             backupSec.Key("incremental_path").String(),
		IncrementalMinFrequencySecs: incMinFreq,
		IncrementalMaxLifespanSecs:  incMaxLifespan,
		IncrementalMaxCopies:        incMaxCopies,
		LongTermBackupPath:          backupSec.Key("long_term_backup_path").String(),
		LongTermMinFrequencySecs:    ltMinFreq,
		LongTermMaxLifespanSecs:     ltMaxLifespan,
		LongTermBackupMaxCopies:     ltMaxCopies,
		RunningCacheFile:            backupSec.Key("running_cache_file").String(),
		CacheLockWaitSecs:           cacheLockWait,
		CacheSuccessfulRunPurgeDays: cachePurgeDays,
	}

	snapSec := cfg.Section("Snapshot")
	sizeGB, err := intOrNil(snapSec.Key("size_gb").String())
	if err != nil {
		return nil, fmt.Errorf("config: Snapshot.size_gb: %w", err)
	}
	s.Snapshot = Snapshot{
		Name:   snapSec.Key("name").String(),
		VG:     snapSec.Key("vg").String(),
		LV:     snapSec.Key("lv").String(),
		SizeGB: sizeGB,
	}

	limitsSec := cfg.Section("Limits")
	s.Limits = Limits{
		ExcludeDatabases:     splitCSV(limitsSec.Key("exclude_databases").String()),
		IncludeOnlyDatabases: splitCSV(limitsSec.Key("include_only_databases").String()),
	}

	logSec := cfg.Section("Logging")
	s.Logging = Logging{
		LogFile:             logSec.Key("logfile").MustString("backup.log"),
		LogLevel:            logSec.Key("loglevel").MustString("info"),
		Format:              logSec.Key("format").MustString("json"),
		ConsoleEnabled:      logSec.Key("console_enabled").MustBool(true),
		FileRotationMaxSize: logSec.Key("file_rotation_max_size").MustString("100MB"),
		FileRetentionDays:   logSec.Key("file_retention_days").MustInt(30),
		FileCompressOld:     logSec.Key("file_compress_old").MustBool(true),
		SyslogEnabled:       logSec.Key("syslog_enabled").MustBool(false),
		SyslogFacility:      logSec.Key("syslog_facility").MustString("local0"),
		SyslogTag:           logSec.Key("syslog_tag").MustString("sfreplicabackup"),
	}

	if err := validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func intOrNil(v string) (*int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func int64OrNil(v string) (*int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
