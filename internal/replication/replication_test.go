package replication

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"sfReplicaBackup/internal/config"
	"sfReplicaBackup/internal/logger"
	"sfReplicaBackup/internal/mysqlclient"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	lg, err := logger.New(config.Logging{LogLevel: "info"}, "TEST01")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return lg
}

func slaveStatusRows(ioRunning, sqlRunning string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"Slave_IO_Running", "Slave_SQL_Running"}).AddRow(ioRunning, sqlRunning)
}

func TestStopAndWaitIsNoopWhenAlreadyStopped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SHOW SLAVE STATUS").WillReturnRows(slaveStatusRows("No", "No"))

	c := New(mysqlclient.NewWithDB(db), testLogger(t))
	if err := c.StopAndWait(context.Background()); err != nil {
		t.Fatalf("StopAndWait: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStartAndWaitIsNoopWhenAlreadyRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SHOW SLAVE STATUS").WillReturnRows(slaveStatusRows("Yes", "Yes"))

	c := New(mysqlclient.NewWithDB(db), testLogger(t))
	if err := c.StartAndWait(context.Background()); err != nil {
		t.Fatalf("StartAndWait: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStopAndWaitStopsAndConfirms(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SHOW SLAVE STATUS").WillReturnRows(slaveStatusRows("Yes", "Yes"))
	mock.ExpectExec("STOP SLAVE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SHOW SLAVE STATUS").WillReturnRows(slaveStatusRows("No", "No"))

	c := New(mysqlclient.NewWithDB(db), testLogger(t))
	if err := c.StopAndWait(context.Background()); err != nil {
		t.Fatalf("StopAndWait: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIsRunningReflectsBothThreads(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SHOW SLAVE STATUS").WillReturnRows(slaveStatusRows("Yes", "No"))

	c := New(mysqlclient.NewWithDB(db), testLogger(t))
	running, err := c.IsRunning(context.Background())
	if err != nil {
		t.Fatalf("IsRunning: %v", err)
	}
	if running {
		t.Fatalf("expected IsRunning false when only one thread is up")
	}
}
