// Package redis provides a Redis-backed execution store for deployments
// where webhook ingestion and viewer traffic are served by separate
// replicas sharing one state backend.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/redloop/redloop/pkg/models"
	"github.com/redloop/redloop/pkg/store"
)

const keyPrefix = "redloop:execution:"

// indexKey is a sorted set of execution ids scored by terminal-completion
// time; live executions carry score 0 and are never evicted.
const indexKey = "redloop:executions"

// Store implements store.Store on Redis hashes and lists. Writes to the
// same execution are serialized through an in-process keyed mutex; the
// consistency unit is one writer process, matching the webhook ingestion
// topology (the engine posts every event for one execution to one replica).
type Store struct {
	client       goredis.UniversalClient
	terminalTask string
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(url string, logger *slog.Logger) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return &Store{
		client:       goredis.NewClient(opts),
		terminalTask: store.TerminalTaskID,
		logger:       logger.With("module", "redis_store"),
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lock(executionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[executionID] = l
	}

	return l
}

type recordMeta struct {
	State       models.ExecutionState `json:"state"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

func metaKey(id string) string    { return keyPrefix + id + ":meta" }
func tasksKey(id string) string   { return keyPrefix + id + ":tasks" }
func outputsKey(id string) string { return keyPrefix + id + ":outputs" }
func logsKey(id string) string    { return keyPrefix + id + ":logs" }

func (s *Store) loadMeta(ctx context.Context, executionID string) (*recordMeta, bool, error) {
	raw, err := s.client.Get(ctx, metaKey(executionID)).Result()
	if err == goredis.Nil {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("load execution meta: %w", err)
	}

	var meta recordMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, false, fmt.Errorf("decode execution meta: %w", err)
	}

	return &meta, true, nil
}

func (s *Store) saveMeta(ctx context.Context, executionID string, meta *recordMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, metaKey(executionID), raw, 0)

	score := float64(0)
	if meta.CompletedAt != nil {
		score = float64(meta.CompletedAt.Unix())
	}

	pipe.ZAdd(ctx, indexKey, goredis.Z{Score: score, Member: executionID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save execution meta: %w", err)
	}

	return nil
}

// ensureMeta loads the meta record, persisting an UNKNOWN placeholder when
// the execution has never been seen.
func (s *Store) ensureMeta(ctx context.Context, executionID string) (*recordMeta, error) {
	meta, ok, err := s.loadMeta(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if ok {
		return meta, nil
	}

	now := time.Now().UTC()
	meta = &recordMeta{State: models.ExecutionStateUnknown, CreatedAt: now, UpdatedAt: now}

	if err := s.saveMeta(ctx, executionID, meta); err != nil {
		return nil, err
	}

	return meta, nil
}

func (s *Store) Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error) {
	if executionID == "" {
		return nil, store.ErrEmptyExecutionID
	}

	l := s.lock(executionID)
	l.Lock()
	defer l.Unlock()

	meta, err := s.ensureMeta(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return s.assemble(ctx, executionID, meta)
}

func (s *Store) assemble(ctx context.Context, executionID string, meta *recordMeta) (*models.ExecutionRecord, error) {
	record := models.NewExecutionRecord(executionID)
	record.State = meta.State
	record.CreatedAt = meta.CreatedAt
	record.UpdatedAt = meta.UpdatedAt
	record.CompletedAt = meta.CompletedAt

	tasks, err := s.client.HGetAll(ctx, tasksKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	for taskID, raw := range tasks {
		var status models.TaskStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", taskID, err)
		}

		record.Tasks[taskID] = status
	}

	outputs, err := s.client.HGetAll(ctx, outputsKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load outputs: %w", err)
	}

	for taskID, raw := range outputs {
		var output any
		if err := json.Unmarshal([]byte(raw), &output); err != nil {
			return nil, fmt.Errorf("decode output %s: %w", taskID, err)
		}

		record.Outputs[taskID] = output
	}

	lines, err := s.client.LRange(ctx, logsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load logs: %w", err)
	}

	for _, raw := range lines {
		var line models.LogEntry
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("decode log entry: %w", err)
		}

		record.Logs = append(record.Logs, line)
	}

	return record, nil
}

func (s *Store) ApplyTaskUpdate(ctx context.Context, executionID string, update store.TaskUpdate) (*models.ExecutionRecord, error) {
	if executionID == "" {
		return nil, store.ErrEmptyExecutionID
	}

	if update.TaskID == "" {
		return nil, store.ErrEmptyTaskID
	}

	l := s.lock(executionID)
	l.Lock()
	defer l.Unlock()

	meta, err := s.ensureMeta(ctx, executionID)
	if err != nil {
		return nil, err
	}

	status, err := json.Marshal(models.TaskStatus{
		Status:  update.Status,
		Message: update.Message,
		Output:  update.Output,
	})
	if err != nil {
		return nil, err
	}

	logLine, err := json.Marshal(models.LogEntry{
		TaskID:  update.TaskID,
		Status:  update.Status,
		Message: update.Message,
	})
	if err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, tasksKey(executionID), update.TaskID, status)
	pipe.RPush(ctx, logsKey(executionID), logLine)

	if update.Output != nil {
		output, err := json.Marshal(update.Output)
		if err != nil {
			return nil, err
		}

		pipe.HSet(ctx, outputsKey(executionID), update.TaskID, output)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("apply task update: %w", err)
	}

	s.advance(executionID, meta, models.ExecutionStateRunning)

	if update.TaskID == s.terminalTask {
		switch update.Status {
		case string(models.ExecutionStateSuccess):
			s.advance(executionID, meta, models.ExecutionStateSuccess)
		case string(models.ExecutionStateFailed):
			s.advance(executionID, meta, models.ExecutionStateFailed)
		}
	}

	meta.UpdatedAt = time.Now().UTC()

	if err := s.saveMeta(ctx, executionID, meta); err != nil {
		return nil, err
	}

	return s.assemble(ctx, executionID, meta)
}

func (s *Store) ApplyExecutionState(ctx context.Context, executionID string, state models.ExecutionState, _ string) (*models.ExecutionRecord, error) {
	if executionID == "" {
		return nil, store.ErrEmptyExecutionID
	}

	l := s.lock(executionID)
	l.Lock()
	defer l.Unlock()

	meta, err := s.ensureMeta(ctx, executionID)
	if err != nil {
		return nil, err
	}

	s.advance(executionID, meta, state)
	meta.UpdatedAt = time.Now().UTC()

	if err := s.saveMeta(ctx, executionID, meta); err != nil {
		return nil, err
	}

	return s.assemble(ctx, executionID, meta)
}

func (s *Store) advance(executionID string, meta *recordMeta, next models.ExecutionState) {
	if meta.State == next {
		return
	}

	if !meta.State.CanTransition(next) {
		s.logger.Debug("Ignoring state regression",
			"execution_id", executionID,
			"current", meta.State,
			"attempted", next)

		return
	}

	meta.State = next

	if next.IsTerminal() {
		completedAt := time.Now().UTC()
		meta.CompletedAt = &completedAt
	}
}

func (s *Store) Evict(ctx context.Context, before time.Time) (int, error) {
	// Score 0 marks live executions; anything scored in (0, cutoff] has been
	// terminal since before the cutoff.
	ids, err := s.client.ZRangeByScore(ctx, indexKey, &goredis.ZRangeBy{
		Min: "(0",
		Max: fmt.Sprintf("%d", before.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired executions: %w", err)
	}

	for _, id := range ids {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, metaKey(id), tasksKey(id), outputsKey(id), logsKey(id))
		pipe.ZRem(ctx, indexKey, id)

		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("evict execution %s: %w", id, err)
		}

		s.mu.Lock()
		delete(s.locks, id)
		s.mu.Unlock()
	}

	return len(ids), nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close(_ context.Context) error {
	return s.client.Close()
}
