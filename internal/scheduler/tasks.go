package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smysle/kkphim-sync-go/pkg/logger"
)

var (
	// ErrQueueFull 等待队列已满
	ErrQueueFull = errors.New("task queue is full")
	// ErrUnknownTask 任务不存在
	ErrUnknownTask = errors.New("unknown task")
	// ErrQueueClosed 队列已关闭
	ErrQueueClosed = errors.New("task queue is closed")
)

// TaskKind 任务类型
type TaskKind string

const (
	TaskFullSync        TaskKind = "full_sync"
	TaskIncrementalSync TaskKind = "incremental_sync"
	TaskBackup          TaskKind = "backup"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// 任务来源
const (
	SourceAPI       = "api"
	SourceScheduler = "scheduler"
)

// Task 后台任务，提交后立即返回，通过 ID 轮询结果
type Task struct {
	ID         string      `json:"id"`
	Kind       TaskKind    `json:"kind"`
	Source     string      `json:"source"`
	Status     TaskStatus  `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	Result     interface{} `json:"result,omitempty"`
}

// TaskHandler 任务执行函数
type TaskHandler func(ctx context.Context, task Task) (interface{}, error)

// TaskQueue 单 worker 顺序执行的任务队列
type TaskQueue struct {
	mu       sync.Mutex
	handlers map[TaskKind]TaskHandler
	tasks    map[string]*Task
	order    []string // 按提交顺序，超过 history 时淘汰最早的已完成任务
	history  int
	pending  chan string
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewTaskQueue 创建任务队列，size 为等待中的任务上限
func NewTaskQueue(size, history int) *TaskQueue {
	if size <= 0 {
		size = 16
	}
	if history <= 0 {
		history = 50
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TaskQueue{
		handlers: make(map[TaskKind]TaskHandler),
		tasks:    make(map[string]*Task),
		history:  history,
		pending:  make(chan string, size),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Register 注册任务类型
func (q *TaskQueue) Register(kind TaskKind, handler TaskHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

// Start 启动 worker
func (q *TaskQueue) Start() {
	q.wg.Add(1)
	go q.worker()
}

// Close 停止接收任务，取消正在执行的任务并等待 worker 退出
func (q *TaskQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.pending)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// Submit 提交任务；同类任务已在等待时直接返回该任务
func (q *TaskQueue) Submit(kind TaskKind, source string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Task{}, ErrQueueClosed
	}
	if _, ok := q.handlers[kind]; !ok {
		return Task{}, fmt.Errorf("未注册的任务类型: %s", kind)
	}

	for _, id := range q.order {
		if t := q.tasks[id]; t.Kind == kind && t.Status == TaskQueued {
			return *t, nil
		}
	}

	task := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    source,
		Status:    TaskQueued,
		CreatedAt: q.now(),
	}

	select {
	case q.pending <- task.ID:
	default:
		return Task{}, ErrQueueFull
	}

	q.tasks[task.ID] = task
	q.order = append(q.order, task.ID)
	q.trim()

	logger.Debug().Str("task", task.ID).Str("kind", string(kind)).Str("source", source).Msg("任务已提交")
	return *task, nil
}

// Get 获取任务
func (q *TaskQueue) Get(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return *t, nil
}

// Tasks 任务列表，最新的在前
func (q *TaskQueue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, 0, len(q.order))
	for i := len(q.order) - 1; i >= 0; i-- {
		out = append(out, *q.tasks[q.order[i]])
	}
	return out
}

// trim 淘汰超出历史上限的已完成任务，调用方持有锁
func (q *TaskQueue) trim() {
	for len(q.order) > q.history {
		evicted := false
		for i, id := range q.order {
			if s := q.tasks[id].Status; s == TaskSucceeded || s == TaskFailed {
				delete(q.tasks, id)
				q.order = append(q.order[:i], q.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (q *TaskQueue) worker() {
	defer q.wg.Done()
	for id := range q.pending {
		q.run(id)
	}
}

func (q *TaskQueue) run(id string) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	handler := q.handlers[task.Kind]
	started := q.now()
	task.Status = TaskRunning
	task.StartedAt = &started
	snapshot := *task
	q.mu.Unlock()

	if q.ctx.Err() != nil {
		q.complete(id, nil, q.ctx.Err())
		return
	}

	result, err := q.execute(handler, snapshot)
	q.complete(id, result, err)
}

func (q *TaskQueue) execute(handler TaskHandler, task Task) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("任务 panic: %v", r)
		}
	}()
	return handler(q.ctx, task)
}

func (q *TaskQueue) complete(id string, result interface{}, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return
	}
	finished := q.now()
	task.FinishedAt = &finished
	task.Result = result
	if err != nil {
		task.Status = TaskFailed
		task.Error = err.Error()
		logger.Error().Err(err).Str("task", id).Str("kind", string(task.Kind)).Msg("后台任务失败")
	} else {
		task.Status = TaskSucceeded
		logger.Info().Str("task", id).Str("kind", string(task.Kind)).Msg("后台任务完成")
	}
	q.trim()
}
