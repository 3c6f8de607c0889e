package backupfile

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

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

func testFactory(t *testing.T) (*Factory, config.Backup) {
	t.Helper()
	dir := t.TempDir()
	ltDir := t.TempDir()
	cfg := config.Backup{
		IncrementalPath:         dir,
		LongTermBackupPath:      ltDir,
		CompressedFileExtension: "gz",
	}
	return NewFactory(cfg, testLogger(t)), cfg
}

func TestParseRoundTripsPlainDump(t *testing.T) {
	f, cfg := testFactory(t)
	path := filepath.Join(cfg.IncrementalPath, "mydb__20260115-093000.sql")
	if err := os.WriteFile(path, []byte("dump"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	bf, err := f.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if bf.DBName != "mydb" || bf.DateString != "20260115-093000" || bf.Kind != Plain {
		t.Fatalf("unexpected parse result: %+v", bf)
	}
}

func TestParseRejectsFileOutsideIncrementalPath(t *testing.T) {
	f, _ := testFactory(t)
	other := t.TempDir()
	path := filepath.Join(other, "mydb__20260115-093000.sql")
	os.WriteFile(path, []byte("x"), 0o644)

	if _, err := f.Parse(path); err == nil {
		t.Fatalf("expected an error for a file outside the incremental path")
	}
}

func TestParseRejectsMalformedDateString(t *testing.T) {
	f, cfg := testFactory(t)
	path := filepath.Join(cfg.IncrementalPath, "mydb__not-a-date.sql")
	os.WriteFile(path, []byte("x"), 0o644)

	if _, err := f.Parse(path); err == nil {
		t.Fatalf("expected an error for a malformed date string")
	}
}

func TestParseRejectsMissingDoubleUnderscore(t *testing.T) {
	f, cfg := testFactory(t)
	path := filepath.Join(cfg.IncrementalPath, "mydb-20260115-093000.sql")
	os.WriteFile(path, []byte("x"), 0o644)

	if _, err := f.Parse(path); err == nil {
		t.Fatalf("expected an error for a file name missing the db/date separator")
	}
}

func TestFormatDateStringMatchesParseGrammar(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := FormatDateString(at)
	if got != "20260304-050607" {
		t.Fatalf("FormatDateString = %q", got)
	}
	if !dateStringPattern.MatchString(got) {
		t.Fatalf("FormatDateString output %q does not match the discovery-side pattern", got)
	}
}

func TestLongTermRoundTrip(t *testing.T) {
	f, cfg := testFactory(t)
	path := filepath.Join(cfg.IncrementalPath, "mydb__20260115-093000.sql")
	os.WriteFile(path, []byte("dump"), 0o644)
	bf, err := f.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if bf.IsLongTermVersion(cfg) {
		t.Fatalf("should not be a long term version yet")
	}
	if err := bf.CopyToLongTerm(cfg, testLogger(t)); err != nil {
		t.Fatalf("CopyToLongTerm: %v", err)
	}
	if !bf.IsLongTermVersion(cfg) {
		t.Fatalf("expected long term copy to exist after CopyToLongTerm")
	}
	if err := bf.RemoveLongTermVersion(cfg); err != nil {
		t.Fatalf("RemoveLongTermVersion: %v", err)
	}
	if bf.IsLongTermVersion(cfg) {
		t.Fatalf("expected long term copy to be gone after RemoveLongTermVersion")
	}
}

func TestSelfDestructRemovesIncrementalAndLongTermCopies(t *testing.T) {
	f, cfg := testFactory(t)
	path := filepath.Join(cfg.IncrementalPath, "mydb__20260115-093000.sql")
	os.WriteFile(path, []byte("dump"), 0o644)
	bf, err := f.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := bf.CopyToLongTerm(cfg, testLogger(t)); err != nil {
		t.Fatalf("CopyToLongTerm: %v", err)
	}

	if err := f.SelfDestruct(bf); err != nil {
		t.Fatalf("SelfDestruct: %v", err)
	}
	if bf.Exists() {
		t.Fatalf("expected incremental copy to be gone")
	}
	if bf.IsLongTermVersion(cfg) {
		t.Fatalf("expected long term copy to be gone")
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

func TestBirthCompressedAndDecompressRoundTrip(t *testing.T) {
	requireCompressionTools(t)

	dir := t.TempDir()
	cfg := config.Backup{
		IncrementalPath:         dir,
		LongTermBackupPath:      t.TempDir(),
		CompressionEnabled:      true,
		CompressCommand:         "gzip",
		DecompressCommand:       "gunzip",
		CompressedFileExtension: "gz",
	}
	f := NewFactory(cfg, testLogger(t))

	path := filepath.Join(dir, "mydb__20260115-093000.sql")
	original := []byte("-- dump\nINSERT INTO t VALUES (1);\nINSERT INTO t VALUES (2);\n")
	if err := os.WriteFile(path, original, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	plain, err := f.Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	compressed, err := f.BirthCompressed(context.Background(), plain)
	if err != nil {
		t.Fatalf("BirthCompressed: %v", err)
	}
	if compressed.Kind != Compressed {
		t.Fatalf("expected a compressed file, got %s", compressed.Kind)
	}
	if plain.Exists() {
		t.Fatalf("expected the plain file to be removed after compression")
	}

	restored, err := f.Decompress(context.Background(), compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if compressed.Exists() {
		t.Fatalf("expected the compressed file to be removed after decompression")
	}
	got, err := os.ReadFile(restored.FullPath)
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("round trip altered the file contents")
	}
}
