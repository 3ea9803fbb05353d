package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	keldris "github.com/MacJediWizard/keldris-sub016"
	"github.com/MacJediWizard/keldris-sub016/id"
	"github.com/MacJediWizard/keldris-sub016/job"
)

// claimAttempts bounds the claim loop over entries whose hash turned out
// to be gone or no longer pending.
const claimAttempts = 8

// claimScript pops the head of the org's pending queue and flips the
// job to running in one atomic step, so a crash can never strand a
// popped entry with a still-pending hash. Returns the job ID on
// success, empty string when the popped entry pointed at a gone or
// already-settled hash (caller retries), nil when the queue is empty.
//
// KEYS[1] pending sorted set
// ARGV[1] worker ID, ARGV[2] claim timestamp, ARGV[3] job key prefix
var claimScript = goredis.NewScript(`
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local member = head[1]
redis.call('ZREM', KEYS[1], member)
local jid = member
local sep = string.find(member, ':', 1, true)
if sep then
  jid = string.sub(member, sep + 1)
end
local key = ARGV[3] .. jid
if redis.call('HGET', key, 'status') ~= 'pending' then
  return ''
end
redis.call('HSET', key,
  'status', 'running',
  'worker_id', ARGV[1],
  'started_at', ARGV[2],
  'heartbeat_at', ARGV[2],
  'updated_at', ARGV[2])
return jid
`)

// reapScript persists a stale-sweep settle only while the job is still
// running and owned by the expected worker, so a worker reporting an
// outcome between listing and settling wins the race.
//
// KEYS[1] job hash, KEYS[2] retry sorted set
// ARGV[1] expected worker, ARGV[2] retry score ('' when terminal),
// ARGV[3] job ID, ARGV[4..] hash field/value pairs
var reapScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then
  return 0
end
if redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
if ARGV[2] ~= '' then
  redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[3])
end
return 1
`)

// EnqueueJob stores the job as a Hash and adds it to the org's pending
// Sorted Set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("keldris/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return keldris.ErrJobAlreadyExists
	}

	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, pendingKey(j.OrgID), goredis.Z{
		Score:  pendingScore(j.Priority),
		Member: pendingMember(j.CreatedAt, jID),
	})
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("keldris/redis: enqueue job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// ClaimJob pops the org's best pending entry and flips it to running in
// one Lua step. Entries pointing at a gone or already-settled hash are
// dropped and the pop repeats.
func (s *Store) ClaimJob(ctx context.Context, orgID string, workerID id.WorkerID) (*job.Job, error) {
	for range claimAttempts {
		now := time.Now().UTC()
		res, err := claimScript.Run(ctx, s.client,
			[]string{pendingKey(orgID)},
			workerID.String(),
			now.Format(time.RFC3339Nano),
			jobKey(""),
		).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil, nil // queue empty
			}
			return nil, fmt.Errorf("keldris/redis: claim job: %w", err)
		}

		jID, ok := res.(string)
		if !ok || jID == "" {
			continue // entry pointed at a gone or settled hash
		}
		return s.getJobByKey(ctx, jobKey(jID))
	}
	return nil, nil
}

// ListJobs returns the org's jobs matching opts in claim order,
// priority descending then CreatedAt ascending. Running jobs sort by
// StartedAt descending instead.
func (s *Store) ListJobs(ctx context.Context, orgID string, opts job.ListOpts) ([]*job.Job, error) {
	all, err := s.scanJobs(ctx, func(j *job.Job) bool {
		if j.OrgID != orgID {
			return false
		}
		if opts.Status != "" && j.Status != opts.Status {
			return false
		}
		if opts.Type != "" && j.Type != opts.Type {
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("keldris/redis: list jobs: %w", err)
	}

	if opts.Status == job.StatusRunning {
		sort.Slice(all, func(i, k int) bool {
			return timeOrZero(all[i].StartedAt).After(timeOrZero(all[k].StartedAt))
		})
	} else {
		sort.Slice(all, func(i, k int) bool {
			if all[i].Priority != all[k].Priority {
				return all[i].Priority > all[k].Priority
			}
			return all[i].CreatedAt.Before(all[k].CreatedAt)
		})
	}
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, nil
}

// ListRetryReady returns failed jobs whose next_retry_at has passed,
// across all orgs. The retry Sorted Set already excludes anything due in
// the future; ordering by priority happens here.
func (s *Store) ListRetryReady(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, retryKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UTC().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("keldris/redis: list retry zrange: %w", err)
	}

	ready := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.Status != job.StatusFailed {
			continue
		}
		ready = append(ready, j)
	}

	sort.Slice(ready, func(i, k int) bool {
		if ready[i].Priority != ready[k].Priority {
			return ready[i].Priority > ready[k].Priority
		}
		// Nil NextRetryAt means overdue by definition; it sorts first.
		return timeOrZero(ready[i].NextRetryAt).Before(timeOrZero(ready[k].NextRetryAt))
	})
	if limit > 0 && limit < len(ready) {
		ready = ready[:limit]
	}
	return ready, nil
}

// RequeueJob moves a failed job back to pending, keeping RetryCount and
// the last error for diagnosis.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	if j.Status != job.StatusFailed {
		return keldris.ErrInvalidStatus
	}

	now := time.Now().UTC()
	j.Status = job.StatusPending
	j.NextRetryAt = nil
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.UpdatedAt = now

	jID := jobID.String()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID), jobToMap(j))
	pipe.ZRem(ctx, retryKey, jID)
	pipe.ZAdd(ctx, pendingKey(j.OrgID), goredis.Z{
		Score:  pendingScore(j.Priority),
		Member: pendingMember(j.CreatedAt, jID),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("keldris/redis: requeue job: %w", err)
	}
	return nil
}

// CancelJob moves a pending or running job to canceled and returns the
// prior status.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (job.Status, error) {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return "", err
	}

	prior := j.Status
	if prior.Terminal() {
		return "", keldris.ErrJobTerminal
	}
	if !job.CanTransition(prior, job.StatusCanceled) {
		return "", keldris.ErrInvalidStatus
	}

	now := time.Now().UTC()
	jID := jobID.String()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID),
		"status", string(job.StatusCanceled),
		"completed_at", now.Format(time.RFC3339Nano),
		"updated_at", now.Format(time.RFC3339Nano),
	)
	pipe.ZRem(ctx, pendingKey(j.OrgID), pendingMember(j.CreatedAt, jID))
	pipe.ZRem(ctx, retryKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("keldris/redis: cancel job: %w", err)
	}
	return prior, nil
}

// UpdateJob persists the full job record and re-syncs the queue Sorted
// Sets to the job's status.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("keldris/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return keldris.ErrJobNotFound
	}

	j.UpdatedAt = time.Now().UTC()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.ZRem(ctx, pendingKey(j.OrgID), pendingMember(j.CreatedAt, jID))
	pipe.ZRem(ctx, retryKey, jID)
	switch j.Status {
	case job.StatusPending:
		pipe.ZAdd(ctx, pendingKey(j.OrgID), goredis.Z{
			Score:  pendingScore(j.Priority),
			Member: pendingMember(j.CreatedAt, jID),
		})
	case job.StatusFailed:
		pipe.ZAdd(ctx, retryKey, goredis.Z{
			Score:  retryScore(j.NextRetryAt),
			Member: jID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("keldris/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job and its queue entries.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	refs, err := s.client.HMGet(ctx, key, "org_id", "created_at").Result()
	if err != nil {
		return fmt.Errorf("keldris/redis: delete job get refs: %w", err)
	}
	orgID, ok := refs[0].(string)
	if !ok {
		return keldris.ErrJobNotFound
	}
	var createdAt time.Time
	if raw, ok := refs[1].(string); ok {
		if t, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			createdAt = t
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, pendingKey(orgID), pendingMember(createdAt, jID))
	pipe.ZRem(ctx, retryKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("keldris/redis: delete job: %w", err)
	}
	return nil
}

// HeartbeatJob refreshes heartbeat_at for a running job owned by
// workerID.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	if j.Status != job.StatusRunning || j.WorkerID.String() != workerID.String() {
		return keldris.ErrInvalidStatus
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.client.HSet(ctx, jobKey(jobID.String()),
		"heartbeat_at", now,
		"updated_at", now,
	).Result(); err != nil {
		return fmt.Errorf("keldris/redis: heartbeat job: %w", err)
	}
	return nil
}

// ListStaleRunning returns running jobs whose last heartbeat (or start,
// when no heartbeat ever landed) is older than threshold.
func (s *Store) ListStaleRunning(ctx context.Context, now time.Time, threshold time.Duration) ([]*job.Job, error) {
	cutoff := now.UTC().Add(-threshold)

	stale, err := s.scanJobs(ctx, func(j *job.Job) bool {
		if j.Status != job.StatusRunning {
			return false
		}
		last := j.HeartbeatAt
		if last == nil {
			last = j.StartedAt
		}
		return last != nil && last.Before(cutoff)
	})
	if err != nil {
		return nil, fmt.Errorf("keldris/redis: list stale running: %w", err)
	}

	sort.Slice(stale, func(i, k int) bool {
		return timeOrZero(stale[i].StartedAt).Before(timeOrZero(stale[k].StartedAt))
	})
	return stale, nil
}

// ReapStaleJob settles a stale running job via a guarded Lua write: the
// hash only changes while still running and owned by expectedWorker, so
// a worker reporting an outcome in the meantime wins.
func (s *Store) ReapStaleJob(ctx context.Context, j *job.Job, expectedWorker id.WorkerID) error {
	jID := j.ID.String()
	j.UpdatedAt = time.Now().UTC()

	retryScoreArg := ""
	if j.Status == job.StatusFailed {
		retryScoreArg = strconv.FormatFloat(retryScore(j.NextRetryAt), 'f', -1, 64)
	}

	args := []any{expectedWorker.String(), retryScoreArg, jID}
	for field, val := range jobToMap(j) {
		args = append(args, field, val)
	}

	res, err := reapScript.Run(ctx, s.client,
		[]string{jobKey(jID), retryKey}, args...,
	).Result()
	if err != nil {
		return fmt.Errorf("keldris/redis: reap stale job: %w", err)
	}
	if n, _ := res.(int64); n == 0 { //nolint:errcheck // script returns 0 or 1
		exists, existsErr := s.client.Exists(ctx, jobKey(jID)).Result()
		if existsErr == nil && exists == 0 {
			return keldris.ErrJobNotFound
		}
		return keldris.ErrInvalidStatus
	}
	return nil
}

// PurgeTerminal deletes terminal jobs that settled before cutoff.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	victims, err := s.scanJobs(ctx, func(j *job.Job) bool {
		return j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("keldris/redis: purge terminal: %w", err)
	}

	var removed int64
	for _, j := range victims {
		if err := s.DeleteJob(ctx, j.ID); err != nil {
			if errors.Is(err, keldris.ErrJobNotFound) {
				continue // concurrent purge got there first
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Summary builds a point-in-time snapshot for one org, computed in Go
// over an enumeration scan.
func (s *Store) Summary(ctx context.Context, orgID string, now time.Time) (*job.Summary, error) {
	jobs, err := s.scanJobs(ctx, func(j *job.Job) bool {
		return j.OrgID == orgID
	})
	if err != nil {
		return nil, fmt.Errorf("keldris/redis: summary: %w", err)
	}

	sum := &job.Summary{
		OrgID:         orgID,
		PendingByType: make(map[job.Type]int64),
	}
	windowStart := now.UTC().Add(-job.SummaryWaitWindow)

	var waitTotal time.Duration
	var waitCount int64
	for _, j := range jobs {
		switch j.Status {
		case job.StatusPending:
			sum.Pending++
			sum.PendingByType[j.Type]++
			if sum.OldestPending == nil || j.CreatedAt.Before(*sum.OldestPending) {
				created := j.CreatedAt
				sum.OldestPending = &created
			}
		case job.StatusRunning:
			sum.Running++
		case job.StatusCompleted:
			sum.Completed++
			if j.StartedAt != nil && j.CompletedAt != nil && j.CompletedAt.After(windowStart) {
				waitTotal += j.StartedAt.Sub(j.CreatedAt)
				waitCount++
			}
		case job.StatusFailed:
			sum.Failed++
		case job.StatusDeadLetter:
			sum.DeadLetter++
		case job.StatusCanceled:
			sum.Canceled++
		}
	}
	if waitCount > 0 {
		sum.AvgWait = waitTotal / time.Duration(waitCount)
	}
	return sum, nil
}

// ── helpers ──

// pendingScore is the negated priority, so higher priority sorts first.
// The enqueue-time tie-break lives in the member, not the score: Redis
// orders equal-score members lexicographically, and pendingMember
// prefixes the job ID with zero-padded nanoseconds, which preserves
// CreatedAt order exactly instead of losing sub-millisecond ties to
// float64 packing.
func pendingScore(priority int) float64 {
	return float64(-priority)
}

// pendingMember encodes the enqueue instant into the Sorted Set member:
// "<created-unixnano, zero-padded>:<job id>".
func pendingMember(createdAt time.Time, jobID string) string {
	return fmt.Sprintf("%020d:%s", createdAt.UTC().UnixNano(), jobID)
}

// retryScore is next_retry_at in epoch millis; zero (never stamped)
// sorts before everything and is always due.
func retryScore(nextRetryAt *time.Time) float64 {
	if nextRetryAt == nil {
		return 0
	}
	return float64(nextRetryAt.UnixMilli())
}

// scanJobs enumerates all job hashes and keeps those matching the
// filter. Entries that vanish mid-scan are skipped.
func (s *Store) scanJobs(ctx context.Context, keep func(*job.Job) bool) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, err
	}

	var out []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if keep(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("keldris/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, keldris.ErrJobNotFound
	}

	j, err := mapToJob(vals)
	if err != nil {
		return nil, err
	}
	if j.DegradePayload() {
		s.logger.Warn("job payload no longer decodes, returning degraded",
			"job_id", j.ID, "org_id", j.OrgID)
	}
	return j, nil
}

// jobToMap flattens a job into hash fields. Optional values are written
// as empty strings so a full-record update clears stale fields.
func jobToMap(j *job.Job) map[string]any {
	return map[string]any{
		"id":            j.ID.String(),
		"org_id":        j.OrgID,
		"job_type":      string(j.Type),
		"status":        string(j.Status),
		"priority":      strconv.Itoa(j.Priority),
		"payload":       string(j.Payload),
		"retry_count":   strconv.Itoa(j.RetryCount),
		"max_retries":   strconv.Itoa(j.MaxRetries),
		"next_retry_at": formatOptTime(j.NextRetryAt),
		"error_message": j.ErrorMessage,
		"last_error_at": formatOptTime(j.LastErrorAt),
		"agent_id":      idString(j.AgentID),
		"repository_id": idString(j.RepositoryID),
		"schedule_id":   idString(j.ScheduleID),
		"worker_id":     idString(j.WorkerID),
		"timeout":       strconv.FormatInt(int64(j.Timeout), 10),
		"created_at":    j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    j.UpdatedAt.Format(time.RFC3339Nano),
		"started_at":    formatOptTime(j.StartedAt),
		"completed_at":  formatOptTime(j.CompletedAt),
		"heartbeat_at":  formatOptTime(j.HeartbeatAt),
	}
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("keldris/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])           //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])      //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])      //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:           jID,
		OrgID:        m["org_id"],
		Type:         job.Type(m["job_type"]),
		Status:       job.Status(m["status"]),
		Priority:     priority,
		Payload:      []byte(m["payload"]),
		RetryCount:   retryCount,
		MaxRetries:   maxRetries,
		NextRetryAt:  parseOptTime(m["next_retry_at"]),
		ErrorMessage: m["error_message"],
		LastErrorAt:  parseOptTime(m["last_error_at"]),
		AgentID:      parseWeakID(m["agent_id"], id.ParseAgentID),
		RepositoryID: parseWeakID(m["repository_id"], id.ParseRepositoryID),
		ScheduleID:   parseWeakID(m["schedule_id"], id.ParseScheduleID),
		WorkerID:     parseWeakID(m["worker_id"], id.ParseWorkerID),
		Timeout:      time.Duration(timeout),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		StartedAt:    parseOptTime(m["started_at"]),
		CompletedAt:  parseOptTime(m["completed_at"]),
		HeartbeatAt:  parseOptTime(m["heartbeat_at"]),
	}
	return j, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseOptTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

func idString(v id.ID) string {
	if v.IsNil() {
		return ""
	}
	return v.String()
}

// parseWeakID tolerates unparsable references: the field is a weak
// pointer back to another resource, not something a read should fail on.
func parseWeakID(v string, parse func(string) (id.ID, error)) id.ID {
	if v == "" {
		return id.Nil
	}
	parsed, err := parse(v)
	if err != nil {
		return id.Nil
	}
	return parsed
}
