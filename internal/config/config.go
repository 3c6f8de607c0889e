package config

import "fmt"

// validate checks the required fields: MySQL credentials, the two backup
// directories, and the run-cache file. It never mutates s.
func validate(s *Settings) error {
	if s.MySQL.Host == "" {
		return fmt.Errorf("config: MySQL.host is required")
	}
	if s.MySQL.Username == "" {
		return fmt.Errorf("config: MySQL.username is required")
	}
	if s.Backup.IncrementalPath == "" {
		return fmt.Errorf("config: Backup.incremental_path is required")
	}
	if s.Backup.LongTermBackupPath == "" {
		return fmt.Errorf("config: Backup.long_term_backup_path is required")
	}
	if s.Backup.RunningCacheFile == "" {
		return fmt.Errorf("config: Backup.running_cache_file is required")
	}
	if s.Backup.CompressionEnabled {
		if s.Backup.CompressCommand == "" {
			return fmt.Errorf("config: Backup.compress_command is required when compression_enabled is true")
		}
		if s.Backup.DecompressCommand == "" {
			return fmt.Errorf("config: Backup.decompress_command is required when compression_enabled is true")
		}
		if s.Backup.CompressedFileExtension == "" {
			return fmt.Errorf("config: Backup.compressed_file_extension is required when compression_enabled is true")
		}
	}
	if len(s.Limits.ExcludeDatabases) > 0 && len(s.Limits.IncludeOnlyDatabases) > 0 {
		return fmt.Errorf("config: Limits.exclude_databases and Limits.include_only_databases are mutually exclusive")
	}
	return nil
}

// CacheLockWaitSeconds returns the configured cache_lock_wait, defaulting to
// 30 seconds when unset (an empty value does not mean "wait forever" for a
// lock acquisition, unlike the numeric retention/count limits).
func (s *Settings) CacheLockWaitSeconds() int {
	if s.Backup.CacheLockWaitSecs == nil {
		return 30
	}
	return *s.Backup.CacheLockWaitSecs
}

// CacheSuccessfulRunPurgeDays returns the configured purge window, defaulting
// to 30 days when unset.
func (s *Settings) CacheSuccessfulRunPurgeDays() int {
	if s.Backup.CacheSuccessfulRunPurgeDays == nil {
		return 30
	}
	return *s.Backup.CacheSuccessfulRunPurgeDays
}
