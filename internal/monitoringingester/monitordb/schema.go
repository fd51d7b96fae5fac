package monitordb

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Record set names.  These are the table names the router writes to and the names
// used in log output when a batch fails.
const (
	WorkflowTable = "workflow"
	TaskTable     = "task"
	StatusTable   = "status"
	ResourceTable = "resource"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflow (
		run_id                varchar(128) NOT NULL PRIMARY KEY,
		workflow_name         text,
		workflow_version      text,
		time_began            timestamp NOT NULL,
		time_completed        timestamp,
		host                  text NOT NULL,
		"user"                text NOT NULL,
		rundir                text NOT NULL,
		tasks_failed_count    integer NOT NULL,
		tasks_completed_count integer NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task (
		task_id             varchar(128) NOT NULL,
		run_id              varchar(128) NOT NULL,
		task_executor       text NOT NULL,
		task_func_name      text NOT NULL,
		task_time_submitted timestamp NOT NULL,
		task_time_returned  timestamp,
		task_memoize        boolean NOT NULL,
		task_inputs         text,
		task_outputs        text,
		task_stdin          text,
		task_stdout         text,
		PRIMARY KEY (task_id, run_id)
	);`,
	`CREATE TABLE IF NOT EXISTS status (
		task_id          varchar(128) NOT NULL,
		run_id           varchar(128) NOT NULL,
		task_status_name text NOT NULL,
		timestamp        timestamp NOT NULL,
		PRIMARY KEY (task_id, run_id, task_status_name, timestamp)
	);`,
	`CREATE TABLE IF NOT EXISTS resource (
		task_id                        varchar(128) NOT NULL,
		run_id                         varchar(128) NOT NULL,
		timestamp                      timestamp NOT NULL,
		psutil_process_pid             integer,
		psutil_process_cpu_percent     double precision,
		psutil_process_memory_percent  double precision,
		psutil_process_children_count  integer,
		psutil_process_time_user       double precision,
		psutil_process_time_system     double precision,
		psutil_process_memory_virtual  bigint,
		psutil_process_memory_resident bigint,
		psutil_process_disk_read       bigint,
		psutil_process_disk_write      bigint,
		psutil_process_status          text,
		PRIMARY KEY (task_id, run_id, timestamp)
	);`,
}

// EnsureSchema creates the four record-set tables if they do not yet exist.  Schema
// migration is out of scope; this only bootstraps a fresh database.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	log.Info("Ensuring monitoring schema exists")
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return errors.WithMessage(err, "creating monitoring schema")
		}
	}
	return nil
}
