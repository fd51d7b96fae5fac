package monitordb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runmonproject/runmon/internal/common/database"
	"github.com/runmonproject/runmon/internal/common/runmonerrors"
	"github.com/runmonproject/runmon/internal/monitoringingester/metrics"
	"github.com/runmonproject/runmon/internal/monitoringingester/model"
)

// MonitorDb writes InstructionSets to the monitoring database.  It is the only
// component that touches the persistence backend; it is accessed exclusively from the
// coordinator goroutine, so it performs no locking of its own.
type MonitorDb struct {
	db      *pgxpool.Pool
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewMonitorDb(db *pgxpool.Pool, m *metrics.Metrics, log *logrus.Entry) *MonitorDb {
	return &MonitorDb{
		db:      db,
		metrics: m,
		log:     log.WithField("component", "monitordb"),
	}
}

// Store updates the monitoring database according to the supplied InstructionSet.
// Groups are applied in a fixed order so that a workflow row exists before task rows
// referencing it and a task row exists before its status history is likely to be
// queried:
//   - workflow creations
//   - workflow completion updates
//   - workflow counter updates
//   - task creations
//   - task updates
//   - status insertions
//   - resource insertions
//
// For each group we first try a set-based insert/update via a temporary staging
// table.  If that fails we fall back to slower per-row statements.  Inserts are
// idempotent (insert-if-absent by primary key) and updates are keyed, so retrying a
// partially applied call is safe.
func (m *MonitorDb) Store(ctx context.Context, instructions *model.InstructionSet) error {
	// Multiple updates for the same key within one batch are conflated to a single
	// statement; within a group only the last update per key can win anyway.
	workflowsToUpdate := conflateWorkflowUpdates(instructions.WorkflowsToUpdate)
	countersToUpdate := conflateWorkflowCounterUpdates(instructions.WorkflowCountersToUpdate)
	tasksToUpdate := conflateTaskUpdates(instructions.TasksToUpdate)

	if err := m.CreateWorkflows(ctx, instructions.WorkflowsToCreate); err != nil {
		return err
	}
	if err := m.UpdateWorkflows(ctx, workflowsToUpdate); err != nil {
		return err
	}
	if err := m.UpdateWorkflowCounters(ctx, countersToUpdate); err != nil {
		return err
	}
	if err := m.CreateTasks(ctx, instructions.TasksToCreate); err != nil {
		return err
	}
	if err := m.UpdateTasks(ctx, tasksToUpdate); err != nil {
		return err
	}
	if err := m.CreateStatuses(ctx, instructions.StatusesToCreate); err != nil {
		return err
	}
	return m.CreateResources(ctx, instructions.ResourcesToCreate)
}

func (m *MonitorDb) CreateWorkflows(ctx context.Context, instructions []*model.CreateWorkflowInstruction) error {
	if len(instructions) == 0 {
		return nil
	}
	err := m.createWorkflowsBatch(ctx, instructions)
	if err != nil {
		m.log.Warnf("Creating workflows via batch failed, will attempt to insert serially (this might be slow). Error was %+v", err)
		return m.createWorkflowsScalar(ctx, instructions)
	}
	m.metrics.RecordRowsChange(WorkflowTable, metrics.DBOperationInsert, len(instructions))
	return nil
}

func (m *MonitorDb) createWorkflowsBatch(ctx context.Context, instructions []*model.CreateWorkflowInstruction) error {
	return m.withDatabaseRetry(func() error {
		tmpTable := database.UniqueTableName(WorkflowTable)

		createTmp := func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				CREATE TEMPORARY TABLE %s
				(
				  run_id                varchar(128),
				  workflow_name         text,
				  workflow_version      text,
				  time_began            timestamp,
				  host                  text,
				  "user"                text,
				  rundir                text,
				  tasks_failed_count    integer,
				  tasks_completed_count integer
				) ON COMMIT DROP;`, tmpTable))
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationCreateTempTable)
			}
			return err
		}

		insertTmp := func(tx pgx.Tx) error {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{tmpTable},
				[]string{"run_id", "workflow_name", "workflow_version", "time_began", "host", "user", "rundir", "tasks_failed_count", "tasks_completed_count"},
				pgx.CopyFromSlice(len(instructions), func(i int) ([]interface{}, error) {
					return []interface{}{
						instructions[i].RunID,
						instructions[i].Name,
						instructions[i].Version,
						instructions[i].TimeBegan,
						instructions[i].Host,
						instructions[i].User,
						instructions[i].RunDir,
						instructions[i].TasksFailedCount,
						instructions[i].TasksCompletedCount,
					}, nil
				}),
			)
			return err
		}

		copyToDest := func(tx pgx.Tx) error {
			_, err := tx.Exec(
				ctx,
				fmt.Sprintf(`
					INSERT INTO workflow (run_id, workflow_name, workflow_version, time_began, host, "user", rundir, tasks_failed_count, tasks_completed_count) SELECT * from %s
					ON CONFLICT DO NOTHING`, tmpTable),
			)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationInsert)
			}
			return err
		}

		return m.batchInsert(ctx, createTmp, insertTmp, copyToDest)
	})
}

func (m *MonitorDb) createWorkflowsScalar(ctx context.Context, instructions []*model.CreateWorkflowInstruction) error {
	sqlStatement := `INSERT INTO workflow (run_id, workflow_name, workflow_version, time_began, host, "user", rundir, tasks_failed_count, tasks_completed_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING`
	for _, i := range instructions {
		err := m.withDatabaseRetry(func() error {
			_, err := m.db.Exec(ctx, sqlStatement, i.RunID, i.Name, i.Version, i.TimeBegan, i.Host, i.User, i.RunDir, i.TasksFailedCount, i.TasksCompletedCount)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationInsert)
			}
			return err
		})
		if err != nil {
			return errors.WithMessagef(err, "creating workflow row for run %s", i.RunID)
		}
		m.metrics.RecordRowsChange(WorkflowTable, metrics.DBOperationInsert, 1)
	}
	return nil
}

func (m *MonitorDb) UpdateWorkflows(ctx context.Context, instructions []*model.UpdateWorkflowInstruction) error {
	if len(instructions) == 0 {
		return nil
	}
	err := m.updateWorkflowsBatch(ctx, instructions)
	if err != nil {
		m.log.Warnf("Updating workflows via batch failed, will attempt to update serially (this might be slow). Error was %+v", err)
		return m.updateWorkflowsScalar(ctx, instructions)
	}
	m.metrics.RecordRowsChange(WorkflowTable, metrics.DBOperationUpdate, len(instructions))
	return nil
}

func (m *MonitorDb) updateWorkflowsBatch(ctx context.Context, instructions []*model.UpdateWorkflowInstruction) error {
	return m.withDatabaseRetry(func() error {
		tmpTable := database.UniqueTableName(WorkflowTable)

		createTmp := func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				CREATE TEMPORARY TABLE %s
				(
				  run_id                varchar(128),
				  time_completed        timestamp,
				  tasks_failed_count    integer,
				  tasks_completed_count integer
				) ON COMMIT DROP;`, tmpTable))
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationCreateTempTable)
			}
			return err
		}

		insertTmp := func(tx pgx.Tx) error {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{tmpTable},
				[]string{"run_id", "time_completed", "tasks_failed_count", "tasks_completed_count"},
				pgx.CopyFromSlice(len(instructions), func(i int) ([]interface{}, error) {
					return []interface{}{
						instructions[i].RunID,
						instructions[i].TimeCompleted,
						instructions[i].TasksFailedCount,
						instructions[i].TasksCompletedCount,
					}, nil
				}),
			)
			return err
		}

		copyToDest := func(tx pgx.Tx) error {
			_, err := tx.Exec(
				ctx,
				fmt.Sprintf(`UPDATE workflow
				SET
				  time_completed = coalesce(tmp.time_completed, workflow.time_completed),
				  tasks_failed_count = tmp.tasks_failed_count,
				  tasks_completed_count = tmp.tasks_completed_count
				FROM %s as tmp WHERE tmp.run_id = workflow.run_id`, tmpTable),
			)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationUpdate)
			}
			return err
		}

		return m.batchInsert(ctx, createTmp, insertTmp, copyToDest)
	})
}

func (m *MonitorDb) updateWorkflowsScalar(ctx context.Context, instructions []*model.UpdateWorkflowInstruction) error {
	sqlStatement := `UPDATE workflow
				SET
				  time_completed = coalesce($1, time_completed),
				  tasks_failed_count = $2,
				  tasks_completed_count = $3
				WHERE run_id = $4`
	for _, i := range instructions {
		err := m.withDatabaseRetry(func() error {
			_, err := m.db.Exec(ctx, sqlStatement, i.TimeCompleted, i.TasksFailedCount, i.TasksCompletedCount, i.RunID)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationUpdate)
			}
			return err
		})
		if err != nil {
			return errors.WithMessagef(err, "updating workflow row for run %s", i.RunID)
		}
		m.metrics.RecordRowsChange(WorkflowTable, metrics.DBOperationUpdate, 1)
	}
	return nil
}

func (m *MonitorDb) UpdateWorkflowCounters(ctx context.Context, instructions []*model.UpdateWorkflowCountersInstruction) error {
	if len(instructions) == 0 {
		return nil
	}
	// The counter group is small after conflation (one row per run), so the scalar
	// path is used directly.
	sqlStatement := `UPDATE workflow
				SET
				  tasks_failed_count = $1,
				  tasks_completed_count = $2
				WHERE run_id = $3`
	for _, i := range instructions {
		err := m.withDatabaseRetry(func() error {
			_, err := m.db.Exec(ctx, sqlStatement, i.TasksFailedCount, i.TasksCompletedCount, i.RunID)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationUpdate)
			}
			return err
		})
		if err != nil {
			return errors.WithMessagef(err, "updating workflow counters for run %s", i.RunID)
		}
		m.metrics.RecordRowsChange(WorkflowTable, metrics.DBOperationUpdate, 1)
	}
	return nil
}

func (m *MonitorDb) CreateTasks(ctx context.Context, instructions []*model.CreateTaskInstruction) error {
	if len(instructions) == 0 {
		return nil
	}
	err := m.createTasksBatch(ctx, instructions)
	if err != nil {
		m.log.Warnf("Creating tasks via batch failed, will attempt to insert serially (this might be slow). Error was %+v", err)
		return m.createTasksScalar(ctx, instructions)
	}
	m.metrics.RecordRowsChange(TaskTable, metrics.DBOperationInsert, len(instructions))
	return nil
}

func (m *MonitorDb) createTasksBatch(ctx context.Context, instructions []*model.CreateTaskInstruction) error {
	return m.withDatabaseRetry(func() error {
		tmpTable := database.UniqueTableName(TaskTable)

		createTmp := func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				CREATE TEMPORARY TABLE %s
				(
				  task_id             varchar(128),
				  run_id              varchar(128),
				  task_executor       text,
				  task_func_name      text,
				  task_time_submitted timestamp,
				  task_memoize        boolean,
				  task_inputs         text,
				  task_outputs        text,
				  task_stdin          text,
				  task_stdout         text
				) ON COMMIT DROP;`, tmpTable))
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationCreateTempTable)
			}
			return err
		}

		insertTmp := func(tx pgx.Tx) error {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{tmpTable},
				[]string{"task_id", "run_id", "task_executor", "task_func_name", "task_time_submitted", "task_memoize", "task_inputs", "task_outputs", "task_stdin", "task_stdout"},
				pgx.CopyFromSlice(len(instructions), func(i int) ([]interface{}, error) {
					return []interface{}{
						instructions[i].TaskID,
						instructions[i].RunID,
						instructions[i].Executor,
						instructions[i].FuncName,
						instructions[i].TimeSubmitted,
						instructions[i].Memoize,
						instructions[i].Inputs,
						instructions[i].Outputs,
						instructions[i].Stdin,
						instructions[i].Stdout,
					}, nil
				}),
			)
			return err
		}

		copyToDest := func(tx pgx.Tx) error {
			_, err := tx.Exec(
				ctx,
				fmt.Sprintf(`
					INSERT INTO task (task_id, run_id, task_executor, task_func_name, task_time_submitted, task_memoize, task_inputs, task_outputs, task_stdin, task_stdout) SELECT * from %s
					ON CONFLICT DO NOTHING`, tmpTable),
			)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationInsert)
			}
			return err
		}

		return m.batchInsert(ctx, createTmp, insertTmp, copyToDest)
	})
}

func (m *MonitorDb) createTasksScalar(ctx context.Context, instructions []*model.CreateTaskInstruction) error {
	sqlStatement := `INSERT INTO task (task_id, run_id, task_executor, task_func_name, task_time_submitted, task_memoize, task_inputs, task_outputs, task_stdin, task_stdout)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT DO NOTHING`
	for _, i := range instructions {
		err := m.withDatabaseRetry(func() error {
			_, err := m.db.Exec(ctx, sqlStatement, i.TaskID, i.RunID, i.Executor, i.FuncName, i.TimeSubmitted, i.Memoize, i.Inputs, i.Outputs, i.Stdin, i.Stdout)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationInsert)
			}
			return err
		})
		if err != nil {
			return errors.WithMessagef(err, "creating task row for task %s, run %s", i.TaskID, i.RunID)
		}
		m.metrics.RecordRowsChange(TaskTable, metrics.DBOperationInsert, 1)
	}
	return nil
}

func (m *MonitorDb) UpdateTasks(ctx context.Context, instructions []*model.UpdateTaskInstruction) error {
	if len(instructions) == 0 {
		return nil
	}
	err := m.updateTasksBatch(ctx, instructions)
	if err != nil {
		m.log.Warnf("Updating tasks via batch failed, will attempt to update serially (this might be slow). Error was %+v", err)
		return m.updateTasksScalar(ctx, instructions)
	}
	m.metrics.RecordRowsChange(TaskTable, metrics.DBOperationUpdate, len(instructions))
	return nil
}

func (m *MonitorDb) updateTasksBatch(ctx context.Context, instructions []*model.UpdateTaskInstruction) error {
	return m.withDatabaseRetry(func() error {
		tmpTable := database.UniqueTableName(TaskTable)

		createTmp := func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				CREATE TEMPORARY TABLE %s
				(
				  task_id            varchar(128),
				  run_id             varchar(128),
				  task_time_returned timestamp
				) ON COMMIT DROP;`, tmpTable))
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationCreateTempTable)
			}
			return err
		}

		insertTmp := func(tx pgx.Tx) error {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{tmpTable},
				[]string{"task_id", "run_id", "task_time_returned"},
				pgx.CopyFromSlice(len(instructions), func(i int) ([]interface{}, error) {
					return []interface{}{
						instructions[i].TaskID,
						instructions[i].RunID,
						instructions[i].TimeReturned,
					}, nil
				}),
			)
			return err
		}

		copyToDest := func(tx pgx.Tx) error {
			_, err := tx.Exec(
				ctx,
				fmt.Sprintf(`UPDATE task
				SET task_time_returned = tmp.task_time_returned
				FROM %s as tmp WHERE tmp.task_id = task.task_id AND tmp.run_id = task.run_id`, tmpTable),
			)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationUpdate)
			}
			return err
		}

		return m.batchInsert(ctx, createTmp, insertTmp, copyToDest)
	})
}

func (m *MonitorDb) updateTasksScalar(ctx context.Context, instructions []*model.UpdateTaskInstruction) error {
	sqlStatement := `UPDATE task
				SET task_time_returned = $1
				WHERE task_id = $2 AND run_id = $3`
	for _, i := range instructions {
		err := m.withDatabaseRetry(func() error {
			_, err := m.db.Exec(ctx, sqlStatement, i.TimeReturned, i.TaskID, i.RunID)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationUpdate)
			}
			return err
		})
		if err != nil {
			return errors.WithMessagef(err, "updating task row for task %s, run %s", i.TaskID, i.RunID)
		}
		m.metrics.RecordRowsChange(TaskTable, metrics.DBOperationUpdate, 1)
	}
	return nil
}

func (m *MonitorDb) CreateStatuses(ctx context.Context, instructions []*model.CreateStatusInstruction) error {
	if len(instructions) == 0 {
		return nil
	}
	err := m.createStatusesBatch(ctx, instructions)
	if err != nil {
		m.log.Warnf("Creating statuses via batch failed, will attempt to insert serially (this might be slow). Error was %+v", err)
		return m.createStatusesScalar(ctx, instructions)
	}
	m.metrics.RecordRowsChange(StatusTable, metrics.DBOperationInsert, len(instructions))
	return nil
}

func (m *MonitorDb) createStatusesBatch(ctx context.Context, instructions []*model.CreateStatusInstruction) error {
	return m.withDatabaseRetry(func() error {
		tmpTable := database.UniqueTableName(StatusTable)

		createTmp := func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				CREATE TEMPORARY TABLE %s
				(
				  task_id          varchar(128),
				  run_id           varchar(128),
				  task_status_name text,
				  timestamp        timestamp
				) ON COMMIT DROP;`, tmpTable))
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationCreateTempTable)
			}
			return err
		}

		insertTmp := func(tx pgx.Tx) error {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{tmpTable},
				[]string{"task_id", "run_id", "task_status_name", "timestamp"},
				pgx.CopyFromSlice(len(instructions), func(i int) ([]interface{}, error) {
					return []interface{}{
						instructions[i].TaskID,
						instructions[i].RunID,
						instructions[i].StatusName,
						instructions[i].Timestamp,
					}, nil
				}),
			)
			return err
		}

		copyToDest := func(tx pgx.Tx) error {
			_, err := tx.Exec(
				ctx,
				fmt.Sprintf(`
					INSERT INTO status (task_id, run_id, task_status_name, timestamp) SELECT * from %s
					ON CONFLICT DO NOTHING`, tmpTable),
			)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationInsert)
			}
			return err
		}

		return m.batchInsert(ctx, createTmp, insertTmp, copyToDest)
	})
}

func (m *MonitorDb) createStatusesScalar(ctx context.Context, instructions []*model.CreateStatusInstruction) error {
	sqlStatement := `INSERT INTO status (task_id, run_id, task_status_name, timestamp)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`
	for _, i := range instructions {
		err := m.withDatabaseRetry(func() error {
			_, err := m.db.Exec(ctx, sqlStatement, i.TaskID, i.RunID, i.StatusName, i.Timestamp)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationInsert)
			}
			return err
		})
		if err != nil {
			return errors.WithMessagef(err, "creating status row for task %s, run %s", i.TaskID, i.RunID)
		}
		m.metrics.RecordRowsChange(StatusTable, metrics.DBOperationInsert, 1)
	}
	return nil
}

func (m *MonitorDb) CreateResources(ctx context.Context, instructions []*model.CreateResourceInstruction) error {
	if len(instructions) == 0 {
		return nil
	}
	err := m.createResourcesBatch(ctx, instructions)
	if err != nil {
		m.log.Warnf("Creating resources via batch failed, will attempt to insert serially (this might be slow). Error was %+v", err)
		return m.createResourcesScalar(ctx, instructions)
	}
	m.metrics.RecordRowsChange(ResourceTable, metrics.DBOperationInsert, len(instructions))
	return nil
}

func (m *MonitorDb) createResourcesBatch(ctx context.Context, instructions []*model.CreateResourceInstruction) error {
	return m.withDatabaseRetry(func() error {
		tmpTable := database.UniqueTableName(ResourceTable)

		createTmp := func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				CREATE TEMPORARY TABLE %s
				(
				  task_id                        varchar(128),
				  run_id                         varchar(128),
				  timestamp                      timestamp,
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
				  psutil_process_status          text
				) ON COMMIT DROP;`, tmpTable))
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationCreateTempTable)
			}
			return err
		}

		insertTmp := func(tx pgx.Tx) error {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{tmpTable},
				[]string{
					"task_id", "run_id", "timestamp",
					"psutil_process_pid", "psutil_process_cpu_percent", "psutil_process_memory_percent",
					"psutil_process_children_count", "psutil_process_time_user", "psutil_process_time_system",
					"psutil_process_memory_virtual", "psutil_process_memory_resident",
					"psutil_process_disk_read", "psutil_process_disk_write", "psutil_process_status",
				},
				pgx.CopyFromSlice(len(instructions), func(i int) ([]interface{}, error) {
					return []interface{}{
						instructions[i].TaskID,
						instructions[i].RunID,
						instructions[i].Timestamp,
						instructions[i].ProcessPID,
						instructions[i].CPUPercent,
						instructions[i].MemoryPercent,
						instructions[i].ChildrenCount,
						instructions[i].TimeUser,
						instructions[i].TimeSystem,
						instructions[i].MemoryVirtual,
						instructions[i].MemoryResident,
						instructions[i].DiskRead,
						instructions[i].DiskWrite,
						instructions[i].ProcessStatus,
					}, nil
				}),
			)
			return err
		}

		copyToDest := func(tx pgx.Tx) error {
			_, err := tx.Exec(
				ctx,
				fmt.Sprintf(`
					INSERT INTO resource (task_id, run_id, timestamp, psutil_process_pid, psutil_process_cpu_percent, psutil_process_memory_percent, psutil_process_children_count, psutil_process_time_user, psutil_process_time_system, psutil_process_memory_virtual, psutil_process_memory_resident, psutil_process_disk_read, psutil_process_disk_write, psutil_process_status) SELECT * from %s
					ON CONFLICT DO NOTHING`, tmpTable),
			)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationInsert)
			}
			return err
		}

		return m.batchInsert(ctx, createTmp, insertTmp, copyToDest)
	})
}

func (m *MonitorDb) createResourcesScalar(ctx context.Context, instructions []*model.CreateResourceInstruction) error {
	sqlStatement := `INSERT INTO resource (task_id, run_id, timestamp, psutil_process_pid, psutil_process_cpu_percent, psutil_process_memory_percent, psutil_process_children_count, psutil_process_time_user, psutil_process_time_system, psutil_process_memory_virtual, psutil_process_memory_resident, psutil_process_disk_read, psutil_process_disk_write, psutil_process_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT DO NOTHING`
	for _, i := range instructions {
		err := m.withDatabaseRetry(func() error {
			_, err := m.db.Exec(ctx, sqlStatement,
				i.TaskID, i.RunID, i.Timestamp,
				i.ProcessPID, i.CPUPercent, i.MemoryPercent, i.ChildrenCount,
				i.TimeUser, i.TimeSystem, i.MemoryVirtual, i.MemoryResident,
				i.DiskRead, i.DiskWrite, i.ProcessStatus)
			if err != nil {
				m.metrics.RecordDBError(metrics.DBOperationInsert)
			}
			return err
		})
		if err != nil {
			return errors.WithMessagef(err, "creating resource row for task %s, run %s", i.TaskID, i.RunID)
		}
		m.metrics.RecordRowsChange(ResourceTable, metrics.DBOperationInsert, 1)
	}
	return nil
}

func (m *MonitorDb) batchInsert(ctx context.Context, createTmp func(pgx.Tx) error,
	insertTmp func(pgx.Tx) error, copyToDest func(pgx.Tx) error,
) error {
	return m.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.Deferrable,
	}, func(tx pgx.Tx) error {
		// Stage the rows in a temporary table, then apply them set-based.
		if err := createTmp(tx); err != nil {
			return err
		}
		if err := insertTmp(tx); err != nil {
			return err
		}
		return copyToDest(tx)
	})
}

// withDatabaseRetry executes a database function, retrying until it either succeeds
// or encounters a non-retryable error.  On exhausting retries an
// ErrMaxRetriesExceeded is returned to the coordinator rather than a panic; silent
// partial persistence is considered worse than stopping.
func (m *MonitorDb) withDatabaseRetry(executeDb func() error) error {
	backOff := 1
	const maxBackoff = 60
	const maxRetries = 10
	var err error = nil
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = executeDb()
		if err == nil {
			return nil
		}

		if runmonerrors.IsNetworkError(err) || runmonerrors.IsRetryablePostgresError(err) {
			backOff = min(2*backOff, maxBackoff)
			m.log.Warnf("Retryable error encountered executing sql, will wait for %d seconds before retrying. Error was %v", backOff, err)
			time.Sleep(time.Duration(backOff) * time.Second)
		} else {
			return err
		}
	}

	return errors.WithStack(&runmonerrors.ErrMaxRetriesExceeded{
		Message:   fmt.Sprintf("gave up running database query after %d retries", maxRetries),
		LastError: err,
	})
}

func conflateWorkflowUpdates(updates []*model.UpdateWorkflowInstruction) []*model.UpdateWorkflowInstruction {
	updatesById := make(map[string]*model.UpdateWorkflowInstruction)
	order := make([]string, 0, len(updates))
	for _, update := range updates {
		existing, ok := updatesById[update.RunID]
		if !ok {
			updatesById[update.RunID] = update
			order = append(order, update.RunID)
			continue
		}
		if update.TimeCompleted != nil {
			existing.TimeCompleted = update.TimeCompleted
		}
		existing.TasksFailedCount = update.TasksFailedCount
		existing.TasksCompletedCount = update.TasksCompletedCount
	}

	conflated := make([]*model.UpdateWorkflowInstruction, 0, len(order))
	for _, runID := range order {
		conflated = append(conflated, updatesById[runID])
	}
	return conflated
}

func conflateWorkflowCounterUpdates(updates []*model.UpdateWorkflowCountersInstruction) []*model.UpdateWorkflowCountersInstruction {
	updatesById := make(map[string]*model.UpdateWorkflowCountersInstruction)
	order := make([]string, 0, len(updates))
	for _, update := range updates {
		existing, ok := updatesById[update.RunID]
		if !ok {
			updatesById[update.RunID] = update
			order = append(order, update.RunID)
			continue
		}
		// Counters are running totals; the latest message wins.
		existing.TasksFailedCount = update.TasksFailedCount
		existing.TasksCompletedCount = update.TasksCompletedCount
	}

	conflated := make([]*model.UpdateWorkflowCountersInstruction, 0, len(order))
	for _, runID := range order {
		conflated = append(conflated, updatesById[runID])
	}
	return conflated
}

func conflateTaskUpdates(updates []*model.UpdateTaskInstruction) []*model.UpdateTaskInstruction {
	type taskKey struct {
		taskID string
		runID  string
	}
	updatesByKey := make(map[taskKey]*model.UpdateTaskInstruction)
	order := make([]taskKey, 0, len(updates))
	for _, update := range updates {
		key := taskKey{taskID: update.TaskID, runID: update.RunID}
		existing, ok := updatesByKey[key]
		if !ok {
			updatesByKey[key] = update
			order = append(order, key)
			continue
		}
		existing.TimeReturned = update.TimeReturned
	}

	conflated := make([]*model.UpdateTaskInstruction, 0, len(order))
	for _, key := range order {
		conflated = append(conflated, updatesByKey[key])
	}
	return conflated
}
