package db

const workerColumns = `id, name, status, concurrency_limit, active_job_count, last_heartbeat, registered_at`

const (
	InsertWorker = `
		INSERT INTO workers (id, name, status, concurrency_limit, active_job_count, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`

	GetWorkerByID = `SELECT ` + workerColumns + ` FROM workers WHERE id = ?`

	GetWorkerByName = `SELECT ` + workerColumns + ` FROM workers WHERE name = ?`

	ListWorkers = `SELECT ` + workerColumns + ` FROM workers ORDER BY registered_at ASC, id ASC`

	ListWorkersByStatus = `SELECT ` + workerColumns + ` FROM workers WHERE status = ? ORDER BY registered_at ASC, id ASC`

	ListAvailableWorkers = `
		SELECT ` + workerColumns + ` FROM workers
		WHERE status != 'offline' AND active_job_count < concurrency_limit
		ORDER BY registered_at ASC, id ASC
	`

	ListStaleWorkers = `
		SELECT ` + workerColumns + ` FROM workers
		WHERE status != 'offline' AND last_heartbeat < ?
		ORDER BY last_heartbeat ASC
	`

	ReactivateWorker = `
		UPDATE workers SET status = 'idle', active_job_count = 0, concurrency_limit = ?, last_heartbeat = ?
		WHERE id = ?
	`

	UpdateWorkerHeartbeat = `UPDATE workers SET last_heartbeat = ? WHERE id = ? AND status != 'offline'`

	UpdateWorkerStatus = `UPDATE workers SET status = ?, last_heartbeat = ? WHERE id = ? AND status != 'offline'`

	ClaimWorkerSlot = `
		UPDATE workers SET active_job_count = active_job_count + 1, status = 'busy'
		WHERE id = ? AND status != 'offline' AND active_job_count < concurrency_limit
	`

	// Expressions on the right-hand side see the row before the update.
	ReleaseWorkerSlot = `
		UPDATE workers SET
			active_job_count = MAX(active_job_count - 1, 0),
			status = CASE
				WHEN status = 'offline' THEN 'offline'
				WHEN active_job_count - 1 > 0 THEN 'busy'
				ELSE 'idle'
			END
		WHERE id = ?
	`

	MarkWorkerOffline = `
		UPDATE workers SET status = 'offline', active_job_count = 0
		WHERE id = ? AND status != 'offline'
	`

	MarkStaleWorkerOffline = `
		UPDATE workers SET status = 'offline', active_job_count = 0
		WHERE id = ? AND status != 'offline' AND last_heartbeat < ?
	`
)

const jobColumns = `id, name, type, payload, priority, status, scheduled_time, progress, retry_count, max_retries, assigned_worker, created_time, start_time, end_time, error_message`

const (
	InsertJob = `
		INSERT INTO jobs (name, type, payload, priority, status, scheduled_time, progress, retry_count, max_retries, created_time)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
	`

	GetJobByID = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	ListEligibleJobs = `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'scheduled')
		AND (scheduled_time IS NULL OR scheduled_time <= ?)
		ORDER BY priority DESC, scheduled_time IS NOT NULL, scheduled_time ASC, id ASC
		LIMIT ?
	`

	ListJobsByWorker = `SELECT ` + jobColumns + ` FROM jobs WHERE assigned_worker = ? ORDER BY id ASC`

	ListJobsByWorkerAndStatus = `SELECT ` + jobColumns + ` FROM jobs WHERE assigned_worker = ? AND status = ? ORDER BY id ASC`

	CountJobsByStatus = `SELECT status, COUNT(*) FROM jobs GROUP BY status`

	ListRetryingJobs = `SELECT id, retry_count FROM jobs WHERE status = 'retrying' ORDER BY id ASC`

	PromoteRetryingJob = `
		UPDATE jobs SET status = 'pending', retry_count = retry_count + 1, progress = 0,
			scheduled_time = ?, start_time = NULL, end_time = NULL, assigned_worker = NULL
		WHERE id = ? AND status = 'retrying'
	`

	ClaimJob = `
		UPDATE jobs SET status = 'in_progress', assigned_worker = ?, start_time = ?, end_time = NULL,
			progress = 0, error_message = ''
		WHERE id = ? AND status IN ('pending', 'scheduled') AND assigned_worker IS NULL
	`

	UnclaimJob = `
		UPDATE jobs SET status = 'pending', assigned_worker = NULL, start_time = NULL
		WHERE id = ? AND assigned_worker = ? AND status = 'in_progress'
	`

	ReclaimJob = `
		UPDATE jobs SET status = ?, error_message = ?, assigned_worker = NULL, end_time = ?
		WHERE id = ? AND assigned_worker = ? AND status = 'in_progress'
	`

	UpdateJobProgress = `
		UPDATE jobs SET progress = ?
		WHERE id = ? AND assigned_worker = ? AND status = 'in_progress' AND progress <= ?
	`

	FinishJob = `
		UPDATE jobs SET status = ?, progress = ?, error_message = ?, end_time = ?, assigned_worker = NULL
		WHERE id = ? AND assigned_worker = ? AND status = 'in_progress'
	`

	UpdateJob = `
		UPDATE jobs SET status = ?, progress = ?, error_message = ?, assigned_worker = ?,
			start_time = ?, end_time = ?, scheduled_time = ?
		WHERE id = ? AND status = ?
	`

	DeleteJob = `DELETE FROM jobs WHERE id = ?`

	DeleteJobLogs = `DELETE FROM execution_logs WHERE job_id = ?`

	ListTerminalJobsBefore = `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('completed', 'failed') AND end_time IS NOT NULL AND end_time < ?
		ORDER BY end_time ASC
	`
)

const (
	InsertExecutionLog = `
		INSERT INTO execution_logs (job_id, worker_id, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	ListExecutionLogs = `
		SELECT id, job_id, worker_id, level, message, timestamp
		FROM execution_logs WHERE job_id = ? ORDER BY id ASC
	`
)

const (
	InsertWebhook = `
		INSERT INTO webhooks (name, url, secret, events_json, enabled)
		VALUES (?, ?, ?, ?, ?)
	`

	GetWebhookByID = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE id = ?
	`

	ListWebhooks = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks ORDER BY name ASC
	`

	ListWebhooksForEvent = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE enabled = 1 AND events_json LIKE ?
	`

	UpdateWebhook = `
		UPDATE webhooks SET name = ?, url = ?, secret = ?, events_json = ?, enabled = ?
		WHERE id = ?
	`

	DeleteWebhook = `DELETE FROM webhooks WHERE id = ?`
)

const (
	InsertArchivedJob = `INSERT INTO archived_jobs (original_job_id, archive_file) VALUES (?, ?)`

	CountArchivedJobsByFile = `SELECT COUNT(*) FROM archived_jobs WHERE archive_file = ?`
)
