// Package backupfile models the individual files that make up a backup: the
// plain dump, its compressed form, and its checksum sidecar. Every variant
// is a passive value describing one file on disk; birth/decompress/checksum
// operations shell out to the configured external programs rather than
// using any in-process compression or hashing library.
package backupfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"sfReplicaBackup/internal/config"
	"sfReplicaBackup/internal/logger"
)

// Kind tags which of the three file variants a BackupFile describes.
type Kind int

const (
	Plain Kind = iota
	Compressed
	Checksum
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case Compressed:
		return "compressed"
	case Checksum:
		return "checksum"
	default:
		return "unknown"
	}
}

var dateStringPattern = regexp.MustCompile(`^\d{8}-\d{6}$`)

// File is a value object describing one physical backup file: its path and
// the metadata extracted from its strict filename grammar
// "<db_name>__<YYYYMMDD-HHMMSS>.<ext>".
type File struct {
	FullPath   string
	Dir        string
	BaseName   string
	Stem       string
	Extension  string
	DBName     string
	DateString string
	Kind       Kind
}

// Factory births and parses BackupFiles against one configured incremental
// directory, compression program, and extension.
type Factory struct {
	cfg config.Backup
	lg  *logger.Logger
}

func NewFactory(cfg config.Backup, lg *logger.Logger) *Factory {
	return &Factory{cfg: cfg, lg: lg}
}

// Parse classifies an absolute path as a BackupFile, failing if the path is
// not inside the configured incremental directory, the filename does not
// match the strict grammar, the extension is unrecognized, or the embedded
// date string is malformed.
func (f *Factory) Parse(fullPath string) (File, error) {
	dir := filepath.Dir(fullPath)
	base := filepath.Base(fullPath)

	if dir != filepath.Clean(f.cfg.IncrementalPath) {
		return File{}, fmt.Errorf("backupfile: %s is not in the backup path", fullPath)
	}
	if !strings.Contains(base, ".") || strings.Count(base, "__") != 1 {
		return File{}, fmt.Errorf("backupfile: %s does not appear to be a valid backup file name", base)
	}

	ext := base[strings.LastIndex(base, ".")+1:]
	var stem string
	if ext == f.cfg.CompressedFileExtension {
		stem = strings.TrimSuffix(base, "."+ext)
		stem = strings.TrimSuffix(stem, ".sql")
	} else {
		stem = strings.TrimSuffix(base, "."+ext)
	}

	parts := strings.SplitN(stem, "__", 2)
	if len(parts) != 2 {
		return File{}, fmt.Errorf("backupfile: %s does not appear to be a valid backup file name", base)
	}
	dbName, dateString := parts[0], parts[1]

	var kind Kind
	switch ext {
	case "sql":
		kind = Plain
	case f.cfg.CompressedFileExtension:
		kind = Compressed
	case "md5":
		kind = Checksum
	default:
		return File{}, fmt.Errorf("backupfile: extension %q is not valid", ext)
	}

	if !dateStringPattern.MatchString(dateString) {
		return File{}, fmt.Errorf("backupfile: date string %q in %s is malformed", dateString, base)
	}

	return File{
		FullPath:   fullPath,
		Dir:        dir,
		BaseName:   base,
		Stem:       stem,
		Extension:  ext,
		DBName:     dbName,
		DateString: dateString,
		Kind:       kind,
	}, nil
}

// FormatDateString renders a timestamp the same way the discovery-side
// regex expects to parse it back: YYYYMMDD-HHMMSS.
func FormatDateString(t time.Time) string {
	return t.Format("20060102-150405")
}

func (f *Factory) dumpPath(dbName, dateString string) string {
	return filepath.Join(f.cfg.IncrementalPath, fmt.Sprintf("%s__%s.sql", dbName, dateString))
}

// BirthDump runs mysqldump for dbName, writing its output to the
// incremental directory, and returns the resulting plain File.
func (f *Factory) BirthDump(ctx context.Context, mysqlCfg config.MySQL, dbName string, at time.Time) (File, error) {
	dateString := FormatDateString(at)
	fullPath := f.dumpPath(dbName, dateString)

	args := []string{"-u", mysqlCfg.Username, dbName}
	if mysqlCfg.DumpOptions != "" {
		args = append(args, strings.Fields(mysqlCfg.DumpOptions)...)
	}
	args = append(args, "--result-file", fullPath)

	f.lg.Info("running mysqldump", logger.String("db", dbName), logger.String("file", fullPath))

	cmd := exec.CommandContext(ctx, "/usr/bin/mysqldump", args...)
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+mysqlCfg.Password)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return File{}, fmt.Errorf("backupfile: mysqldump for %s failed: %w: %s", dbName, err, stderr.String())
	}

	return f.Parse(fullPath)
}

// BirthCompressed compresses plain in place via the configured compress
// command and removes plain on success. On failure plain is left intact.
func (f *Factory) BirthCompressed(ctx context.Context, plain File) (File, error) {
	if plain.Kind != Plain {
		return File{}, fmt.Errorf("backupfile: BirthCompressed requires a plain file, got %s", plain.Kind)
	}

	fields := strings.Fields(f.cfg.CompressCommand)
	if len(fields) == 0 {
		return File{}, fmt.Errorf("backupfile: compress_command is not configured")
	}
	args := append(append([]string{}, fields[1:]...), plain.FullPath)

	f.lg.Info("compressing", logger.String("file", plain.FullPath))

	cmd := exec.CommandContext(ctx, fields[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return File{}, fmt.Errorf("backupfile: compressing %s failed: %w: %s", plain.FullPath, err, stderr.String())
	}

	compressedPath := plain.FullPath + "." + f.cfg.CompressedFileExtension
	compressed, err := f.Parse(compressedPath)
	if err != nil {
		return File{}, err
	}

	if err := f.SelfDestruct(plain); err != nil {
		return File{}, err
	}
	return compressed, nil
}

// Decompress restores self into a plain File via the configured decompress
// command and removes the compressed file on success.
func (f *Factory) Decompress(ctx context.Context, compressed File) (File, error) {
	if compressed.Kind != Compressed {
		return File{}, fmt.Errorf("backupfile: Decompress requires a compressed file, got %s", compressed.Kind)
	}

	fields := strings.Fields(f.cfg.DecompressCommand)
	if len(fields) == 0 {
		return File{}, fmt.Errorf("backupfile: decompress_command is not configured")
	}
	args := append(append([]string{}, fields[1:]...), compressed.FullPath)

	f.lg.Info("decompressing", logger.String("file", compressed.FullPath))

	cmd := exec.CommandContext(ctx, fields[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return File{}, fmt.Errorf("backupfile: decompressing %s failed: %w: %s", compressed.FullPath, err, stderr.String())
	}

	plainPath := strings.TrimSuffix(compressed.FullPath, "."+f.cfg.CompressedFileExtension)
	plain, err := f.Parse(plainPath)
	if err != nil {
		return File{}, err
	}

	if err := f.SelfDestruct(compressed); err != nil {
		return File{}, err
	}
	return plain, nil
}

// BirthChecksum computes MD5 over plain via /bin/md5sum and writes the
// resulting hex digest to a new checksum file alongside it.
func (f *Factory) BirthChecksum(plain File) (File, error) {
	if plain.Kind == Checksum {
		return File{}, fmt.Errorf("backupfile: BirthChecksum requires a dump file, not a checksum file")
	}

	sum, err := f.ChecksumOf(plain.FullPath)
	if err != nil {
		return File{}, err
	}

	checksumPath := filepath.Join(f.cfg.IncrementalPath, fmt.Sprintf("%s__%s.md5", plain.DBName, plain.DateString))
	f.lg.Info("writing checksum file", logger.String("file", checksumPath))
	if err := os.WriteFile(checksumPath, []byte(sum), 0o644); err != nil {
		return File{}, fmt.Errorf("backupfile: writing checksum file %s: %w", checksumPath, err)
	}

	return f.Parse(checksumPath)
}

// ChecksumOf runs /bin/md5sum against path and returns the hex digest.
func (f *Factory) ChecksumOf(path string) (string, error) {
	out, err := exec.Command("/bin/md5sum", path).Output()
	if err != nil {
		return "", fmt.Errorf("backupfile: md5sum %s: %w", path, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("backupfile: md5sum produced no output for %s", path)
	}
	return fields[0], nil
}

// ReadChecksum returns the stored checksum string, failing if the file is
// missing or empty.
func (f *File) ReadChecksum() (string, error) {
	if f.Kind != Checksum {
		return "", fmt.Errorf("backupfile: ReadChecksum requires a checksum file, got %s", f.Kind)
	}
	file, err := os.Open(f.FullPath)
	if err != nil {
		return "", fmt.Errorf("backupfile: reading checksum file %s: %w", f.FullPath, err)
	}
	defer file.Close()

	b, err := io.ReadAll(file)
	if err != nil {
		return "", fmt.Errorf("backupfile: reading checksum file %s: %w", f.FullPath, err)
	}
	sum := strings.TrimSpace(string(b))
	if sum == "" {
		return "", fmt.Errorf("backupfile: checksum file %s is empty", f.FullPath)
	}
	return sum, nil
}

// LongTermPath returns where this file would live if promoted to the
// long-term directory.
func (f *File) LongTermPath(cfg config.Backup) string {
	return filepath.Join(cfg.LongTermBackupPath, f.BaseName)
}

// IsLongTermVersion reports whether this file's long-term counterpart
// currently exists on disk. Membership is always re-derived from the
// filesystem, never cached, so that a crash mid-run cannot leave stale
// in-memory state.
func (f *File) IsLongTermVersion(cfg config.Backup) bool {
	_, err := os.Stat(f.LongTermPath(cfg))
	return err == nil
}

// CopyToLongTerm copies this file into the long-term directory.
func (f *File) CopyToLongTerm(cfg config.Backup, lg *logger.Logger) error {
	dst := f.LongTermPath(cfg)
	lg.Info("copying to long term", logger.String("src", f.FullPath), logger.String("dst", dst))

	src, err := os.Open(f.FullPath)
	if err != nil {
		return fmt.Errorf("backupfile: opening %s for long-term copy: %w", f.FullPath, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("backupfile: creating long-term copy %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("backupfile: copying to %s: %w", dst, err)
	}
	return nil
}

// RemoveLongTermVersion deletes the long-term counterpart if present; it is
// not an error if there is nothing to remove.
func (f *File) RemoveLongTermVersion(cfg config.Backup) error {
	path := f.LongTermPath(cfg)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backupfile: removing long-term copy %s: %w", path, err)
	}
	return nil
}

// SelfDestruct removes the file from the incremental directory and its
// long-term counterpart if present. Missing files are not an error.
func (f *Factory) SelfDestruct(file File) error {
	if err := os.Remove(file.FullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backupfile: removing %s: %w", file.FullPath, err)
	}
	return file.RemoveLongTermVersion(f.cfg)
}

// Exists reports whether the file is still present in the incremental
// directory.
func (f *File) Exists() bool {
	_, err := os.Stat(f.FullPath)
	return err == nil
}
