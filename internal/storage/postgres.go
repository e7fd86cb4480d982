package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/pulse/internal/domain"
)

// Postgres is the durable store. All state transitions are single
// conditional UPDATEs so that concurrent workers cannot double-claim.
type Postgres struct{ db *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db} }

const jobColumns = `id, queue, name, payload, attempt, max_attempts, run_at,
status, leased_by, lease_expires_at, error, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Queue, &j.Name, &j.Payload, &j.Attempt, &j.MaxAttempts,
		&j.RunAt, &j.Status, &j.LeasedBy, &j.LeaseExpiresAt, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan job")
	}
	return &j, nil
}

func (s *Postgres) InsertJob(ctx context.Context, j *domain.Job) error {
	_, err := s.db.Exec(ctx, `insert into jobs(
id, queue, name, payload, attempt, max_attempts, run_at, status, created_at, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())`,
		j.ID, j.Queue, j.Name, j.Payload, j.Attempt, j.MaxAttempts, j.RunAt, j.Status)
	return errors.Wrap(err, "insert job")
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
}

func (s *Postgres) LeaseJob(ctx context.Context, id, owner string, ttl time.Duration) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `update jobs
	    set status = 'leased',
	        leased_by = $2,
	        lease_expires_at = now() + make_interval(secs => $3),
	        updated_at = now()
	  where id = $1 and status = 'queued'
	returning `+jobColumns, id, owner, ttl.Seconds())
	j, err := scanJob(row)
	if err == ErrNotFound {
		return nil, ErrLeaseLost
	}
	return j, err
}

func (s *Postgres) ExtendLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	tag, err := s.db.Exec(ctx, `update jobs
	    set lease_expires_at = now() + make_interval(secs => $3), updated_at = now()
	  where id = $1 and status = 'leased' and leased_by = $2`, id, owner, ttl.Seconds())
	if err != nil {
		return errors.Wrap(err, "extend lease")
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *Postgres) MarkSucceeded(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `update jobs
	    set status = 'succeeded', leased_by = null, lease_expires_at = null, updated_at = now()
	  where id = $1`, id)
	return errors.Wrap(err, "mark succeeded")
}

func (s *Postgres) MarkFailedTemp(ctx context.Context, id string, attempt int, reason string, runAt time.Time) error {
	_, err := s.db.Exec(ctx, `update jobs
	    set status = 'queued', attempt = $2, error = $3, run_at = $4,
	        leased_by = null, lease_expires_at = null, updated_at = now()
	  where id = $1`, id, attempt, reason, runAt)
	return errors.Wrap(err, "mark failed temp")
}

func (s *Postgres) MarkDeadLettered(ctx context.Context, id string, attempt int, reason string) error {
	_, err := s.db.Exec(ctx, `update jobs
	    set status = 'dead_lettered', attempt = $2, error = $3,
	        leased_by = null, lease_expires_at = null, updated_at = now()
	  where id = $1`, id, attempt, reason)
	return errors.Wrap(err, "mark dead lettered")
}

func (s *Postgres) RequeueExpiredLeases(ctx context.Context, queue string, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `update jobs
	    set status = 'queued', leased_by = null, lease_expires_at = null, updated_at = now()
	  where id in (
	        select id from jobs
	         where queue = $1
	           and status = 'leased'
	           and lease_expires_at is not null
	           and lease_expires_at < now()
	         limit $2
	        for update skip locked)
	returning id`, queue, limit)
	if err != nil {
		return nil, errors.Wrap(err, "requeue expired leases")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) ReadyQueuedJobs(ctx context.Context, queue string, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `select id from jobs
	 where queue = $1 and status = 'queued' and run_at <= now()
	 order by created_at asc limit $2`, queue, limit)
	if err != nil {
		return nil, errors.Wrap(err, "ready queued jobs")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) CountJobs(ctx context.Context, queue string) (JobCounts, error) {
	var c JobCounts
	err := s.db.QueryRow(ctx, `select
	    count(*) filter (where status = 'queued' and run_at <= now()),
	    count(*) filter (where status = 'leased'),
	    count(*) filter (where status = 'succeeded'),
	    count(*) filter (where status in ('failed_temp','dead_lettered')),
	    count(*) filter (where status = 'queued' and run_at > now())
	  from jobs where queue = $1`, queue).
		Scan(&c.Waiting, &c.Active, &c.Completed, &c.Failed, &c.Delayed)
	return c, errors.Wrap(err, "count jobs")
}

func (s *Postgres) PruneSucceeded(ctx context.Context, queue string, olderThan time.Duration, keep int) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.db.Exec(ctx, `delete from jobs
	 where queue = $1 and status = 'succeeded' and updated_at < $2
	   and id not in (
	        select id from jobs
	         where queue = $1 and status = 'succeeded'
	         order by updated_at desc limit $3)`, queue, cutoff, keep)
	if err != nil {
		return 0, errors.Wrap(err, "prune succeeded")
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) InsertDeadLetter(ctx context.Context, rec *domain.DeadLetterRecord) error {
	_, err := s.db.Exec(ctx, `insert into dead_letters(
id, source_queue, job_name, payload, reason, stack, attempts_made, failed_at
) values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.SourceQueue, rec.JobName, rec.Payload, rec.Reason, rec.Stack,
		rec.AttemptsMade, rec.FailedAt)
	return errors.Wrap(err, "insert dead letter")
}

const dlColumns = `id, source_queue, job_name, payload, reason, stack,
attempts_made, failed_at, resolved_at, resolution`

func scanDeadLetter(row pgx.Row) (*domain.DeadLetterRecord, error) {
	var rec domain.DeadLetterRecord
	err := row.Scan(&rec.ID, &rec.SourceQueue, &rec.JobName, &rec.Payload, &rec.Reason,
		&rec.Stack, &rec.AttemptsMade, &rec.FailedAt, &rec.ResolvedAt, &rec.Resolution)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan dead letter")
	}
	return &rec, nil
}

func (s *Postgres) GetDeadLetter(ctx context.Context, sourceQueue, id string) (*domain.DeadLetterRecord, error) {
	return scanDeadLetter(s.db.QueryRow(ctx,
		`select `+dlColumns+` from dead_letters where id = $1 and source_queue = $2`, id, sourceQueue))
}

func (s *Postgres) ListDeadLetters(ctx context.Context, sourceQueue string, limit int) ([]*domain.DeadLetterRecord, error) {
	rows, err := s.db.Query(ctx, `select `+dlColumns+` from dead_letters
	 where source_queue = $1 order by failed_at desc limit $2`, sourceQueue, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	defer rows.Close()
	var out []*domain.DeadLetterRecord
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) ResolveDeadLetter(ctx context.Context, sourceQueue, id string, res domain.Resolution) error {
	tag, err := s.db.Exec(ctx, `update dead_letters
	    set resolution = $3, resolved_at = now()
	  where id = $1 and source_queue = $2 and resolution is null`, id, sourceQueue, res)
	if err != nil {
		return errors.Wrap(err, "resolve dead letter")
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetDeadLetter(ctx, sourceQueue, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (s *Postgres) DeadLetterStats(ctx context.Context, sourceQueue string) (domain.DeadLetterStats, error) {
	var st domain.DeadLetterStats
	err := s.db.QueryRow(ctx, `select
	    count(*),
	    count(*) filter (where resolution is null),
	    count(*) filter (where resolution = 'retried'),
	    count(*) filter (where resolution = 'ignored')
	  from dead_letters where source_queue = $1`, sourceQueue).
		Scan(&st.Total, &st.Unprocessed, &st.Retried, &st.Ignored)
	return st, errors.Wrap(err, "dead letter stats")
}

func (s *Postgres) InsertEvent(ctx context.Context, ev *domain.OutboxEvent) error {
	var targetType, targetID *string
	if ev.Target != nil {
		targetType, targetID = &ev.Target.Type, &ev.Target.ID
	}
	_, err := s.db.Exec(ctx, `insert into outbox_events(
id, type, visibility, actor_id, target_type, target_id, space_id, payload, created_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, ev.Type, ev.Visibility, ev.ActorID, targetType, targetID, ev.SpaceID,
		ev.Payload, ev.CreatedAt)
	return errors.Wrap(err, "insert event")
}

func (s *Postgres) GetEvent(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	var ev domain.OutboxEvent
	var targetType, targetID *string
	err := s.db.QueryRow(ctx, `select id, type, visibility, actor_id, target_type, target_id,
	space_id, payload, created_at, published_at from outbox_events where id = $1`, id).
		Scan(&ev.ID, &ev.Type, &ev.Visibility, &ev.ActorID, &targetType, &targetID,
			&ev.SpaceID, &ev.Payload, &ev.CreatedAt, &ev.PublishedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get event")
	}
	if targetType != nil && targetID != nil {
		ev.Target = &domain.Target{Type: *targetType, ID: *targetID}
	}
	return &ev, nil
}

func (s *Postgres) MarkPublished(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `update outbox_events
	    set published_at = $2
	  where id = $1 and published_at is null`, id, at)
	if err != nil {
		return false, errors.Wrap(err, "mark published")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) PrunePublishedEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.db.Exec(ctx,
		`delete from outbox_events where published_at is not null and published_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "prune published events")
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) ReplaceSchedules(ctx context.Context, defs []domain.Schedule) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	if _, err := tx.Exec(ctx, `delete from schedules where name <> all($1)`, names); err != nil {
		return errors.Wrap(err, "delete stale schedules")
	}
	for _, d := range defs {
		// Keep the next run of an unchanged spec so reconciliation is
		// idempotent across restarts.
		_, err := tx.Exec(ctx, `insert into schedules(name, queue, spec, payload, next_run_at, created_at, updated_at)
		 values ($1,$2,$3,$4,$5,now(),now())
		 on conflict (name) do update set
		   queue = excluded.queue,
		   payload = excluded.payload,
		   next_run_at = case when schedules.spec = excluded.spec
		                      then schedules.next_run_at
		                      else excluded.next_run_at end,
		   spec = excluded.spec,
		   updated_at = now()`,
			d.Name, d.Queue, d.Spec, d.Payload, d.NextRunAt)
		if err != nil {
			return errors.Wrapf(err, "upsert schedule %s", d.Name)
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

const scheduleColumns = `name, queue, spec, payload, next_run_at, last_run_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var sc domain.Schedule
	err := row.Scan(&sc.Name, &sc.Queue, &sc.Spec, &sc.Payload, &sc.NextRunAt,
		&sc.LastRunAt, &sc.CreatedAt, &sc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan schedule")
	}
	return &sc, nil
}

func (s *Postgres) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	rows, err := s.db.Query(ctx, `select `+scheduleColumns+` from schedules order by name`)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	defer rows.Close()
	var out []*domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Postgres) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	rows, err := s.db.Query(ctx, `select `+scheduleColumns+` from schedules
	 where next_run_at <= $1 order by next_run_at asc limit $2`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "due schedules")
	}
	defer rows.Close()
	var out []*domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkScheduleRun(ctx context.Context, name string, ranAt, next time.Time) error {
	_, err := s.db.Exec(ctx, `update schedules
	    set last_run_at = $2, next_run_at = $3, updated_at = now()
	  where name = $1`, name, ranAt, next)
	return errors.Wrap(err, "mark schedule run")
}

func (s *Postgres) DeleteAllSchedules(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `delete from schedules`)
	return errors.Wrap(err, "delete all schedules")
}

// TryLeaderLock takes a session advisory lock on a dedicated connection.
// The release func unlocks and returns the connection to the pool.
func (s *Postgres) TryLeaderLock(ctx context.Context, key int64) (bool, func(), error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return false, nil, errors.Wrap(err, "acquire conn")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return false, nil, errors.Wrap(err, "try advisory lock")
	}
	if !ok {
		conn.Release()
		return false, nil, nil
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), `select pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return true, release, nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Postgres) Close() { s.db.Close() }
