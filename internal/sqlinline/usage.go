package sqlinline

// QRecentReservations lists a tenant's reservations for the given month,
// newest first, for the usage history endpoint.
const QRecentReservations = `--sql 7d4e90cb-15af-4a83-b2d6-083c6f1e92ad
select job_id, status, total_images,
       stage12_included + stage2_included as from_included,
       stage12_addon + stage2_addon as from_addon,
       retry_count, edit_count, amendments_locked,
       created_at, finalized_at
from usage_reservations
where tenant_id = $1 and month_key = $2
order by created_at desc
limit $3::int;
`

// QMonthlyStageCounters reads the per-stage consumption counters for a
// tenant's month.
const QMonthlyStageCounters = `--sql e5a1c7f8-9b32-4d60-a4ef-2c8d07b65e19
select stage12_used, stage2_used
from monthly_usage
where tenant_id = $1 and month_key = $2;
`
