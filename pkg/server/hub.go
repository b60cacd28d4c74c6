package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"lakevault/pkg/jobs"
)

var upgrader = websocket.Upgrader{
	// 任务状态是只读广播，跨域订阅没有风险
	CheckOrigin: func(r *http.Request) bool { return true },

	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// JobUpdate 是推送给订阅者的任务状态
type JobUpdate struct {
	ID       uint   `json:"id"`
	Type     string `json:"type"`
	Key      string `json:"key"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Hub 把任务状态变化广播给全部 WebSocket 订阅者
// 数据源是队列表的增量轮询：写路径不感知订阅者，掉线零影响。
type Hub struct {
	queue *jobs.Queue
	log   *slog.Logger

	mu      sync.Mutex
	clients map[chan []byte]struct{}

	// 轮询水位：已广播到的任务 ID 与各任务最近的状态指纹
	lastID uint
	seen   map[uint]string
}

func NewHub(queue *jobs.Queue) *Hub {
	return &Hub{
		queue:   queue,
		log:     slog.With("component", "job-hub"),
		clients: make(map[chan []byte]struct{}),
		seen:    make(map[uint]string),
	}
}

// Run 启动轮询循环，阻塞到 ctx 取消
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.poll(ctx)
		}
	}
}

func (h *Hub) poll(ctx context.Context) {
	// 新任务
	fresh, err := h.queue.ListSince(ctx, h.lastID, 200)
	if err != nil {
		h.log.Warn("job poll failed", "error", err)
		return
	}
	for _, job := range fresh {
		h.lastID = job.ID
		h.track(&job)
		h.broadcast(&job)
	}

	// 已追踪任务的状态迁移 (done/dead 之后停止追踪)
	for id := range h.seen {
		job, err := h.queue.Get(ctx, id)
		if err != nil {
			delete(h.seen, id)
			continue
		}
		if h.track(job) {
			h.broadcast(job)
		}
		if job.State == jobs.StateDone || job.State == jobs.StateDead {
			delete(h.seen, id)
		}
	}
}

// track 更新状态指纹，返回是否发生了变化
func (h *Hub) track(job *jobs.JobModel) bool {
	fp := job.State + "/" + job.LastError
	if h.seen[job.ID] == fp {
		return false
	}
	h.seen[job.ID] = fp
	return true
}

func (h *Hub) broadcast(job *jobs.JobModel) {
	data, err := json.Marshal(JobUpdate{
		ID:       job.ID,
		Type:     job.Type,
		Key:      job.Key,
		State:    job.State,
		Attempts: job.Attempts,
		Error:    job.LastError,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			// 慢消费者丢消息，不拖慢广播
		}
	}
}

func (h *Hub) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// HandleWS 升级连接并持续推送任务状态
func (h *Hub) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()
	h.log.Info("job status subscriber connected", "remote", ws.RemoteAddr())

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// 读循环只为感知断连
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
