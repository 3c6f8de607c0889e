// Package replication drives the MySQL slave thread state around a backup
// run: the replica is stopped for the duration of the dump pass so the
// dumped data is consistent, then restarted once the run is the sole
// remaining registrant in the run cache.
package replication

import (
	"context"
	"fmt"
	"time"

	"sfReplicaBackup/internal/logger"
	"sfReplicaBackup/internal/mysqlclient"
)

const (
	pollInterval = 5 * time.Second
	pollRetries  = 20
)

// Controller wraps a mysqlclient.Client with the stop/start/poll protocol.
type Controller struct {
	client *mysqlclient.Client
	lg     *logger.Logger
}

func New(client *mysqlclient.Client, lg *logger.Logger) *Controller {
	return &Controller{client: client, lg: lg}
}

// IsRunning reports whether both replication threads are in the "Yes"
// state.
func (c *Controller) IsRunning(ctx context.Context) (bool, error) {
	status, err := c.client.ShowSlaveStatus(ctx)
	if err != nil {
		return false, err
	}
	return status.Running(), nil
}

// StopAndWait issues STOP SLAVE if replication is currently running, then
// polls up to 20 times at 5 second intervals for the threads to actually
// stop. It is a no-op if replication is already stopped.
func (c *Controller) StopAndWait(ctx context.Context) error {
	running, err := c.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	c.lg.Info("stopping slave")
	if err := c.client.StopSlave(ctx); err != nil {
		return err
	}
	return c.pollUntil(ctx, false, "MySQL Slave Failed to stop")
}

// StartAndWait issues START SLAVE if replication is currently stopped, then
// polls up to 20 times at 5 second intervals for the threads to come up.
// It is a no-op if replication is already running.
func (c *Controller) StartAndWait(ctx context.Context) error {
	running, err := c.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		return nil
	}

	c.lg.Info("starting slave")
	if err := c.client.StartSlave(ctx); err != nil {
		return err
	}
	return c.pollUntil(ctx, true, "MySQL Slave Failed to start")
}

func (c *Controller) pollUntil(ctx context.Context, wantRunning bool, failMsg string) error {
	for i := 0; i < pollRetries; i++ {
		running, err := c.IsRunning(ctx)
		if err != nil {
			return err
		}
		if running == wantRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	running, err := c.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running != wantRunning {
		c.lg.Error(failMsg)
		return fmt.Errorf("replication: %s", failMsg)
	}
	return nil
}
