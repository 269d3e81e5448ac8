package sqlinline

// QStaleProcessingJobs finds jobs stuck in processing longer than the given
// interval. A worker that died mid-job leaves its row in this state; the
// janitor re-enqueues them and the pipeline's terminal-status check keeps
// redelivery idempotent.
const QStaleProcessingJobs = `--sql 3f8c2d1a-74be-4f0e-9c11-6a2b9e5d0c47
select id, tenant_id
from jobs
where status = 'processing'
  and updated_at < now() - ($1::int * interval '1 second')
order by updated_at asc
limit $2::int;
`

// QResetJobToPending returns a stale job to the queueable state before it is
// re-enqueued.
const QResetJobToPending = `--sql b1e6a9f3-2c07-49d5-8e64-f59d31c8a7b2
update jobs
set status = 'pending', updated_at = now()
where id = $1 and status = 'processing';
`
