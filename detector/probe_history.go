package failuredetector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caleberi/chunkfs/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ProbeSample is the outcome of one heartbeat probe.
type ProbeSample struct {
	Id     string             `json:"id"`
	Server common.ServerIndex `json:"server"`
	At     time.Time          `json:"at"`
	RTT    time.Duration      `json:"rtt"`
	OK     bool               `json:"ok"`
	Error  string             `json:"error,omitempty"`
}

func NewProbeSample(server common.ServerIndex, at time.Time, rtt time.Duration, err error) ProbeSample {
	s := ProbeSample{Id: uuid.NewString(), Server: server, At: at, RTT: rtt, OK: err == nil}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func (s ProbeSample) ID() string   { return s.Id }
func (s ProbeSample) Score() int64 { return s.At.UnixMicro() }

// ProbeStats summarises the samples currently in a server's window.
type ProbeStats struct {
	Server       common.ServerIndex `json:"server"`
	Samples      int                `json:"samples"`
	Successes    int                `json:"successes"`
	SuccessRatio float64            `json:"success_ratio"`
	MeanRTT      time.Duration      `json:"mean_rtt"`
	LastSeen     time.Time          `json:"last_seen"`
	LastError    string             `json:"last_error,omitempty"`
}

// ProbeHistory keeps one sampling window per chunk server over a shared
// Redis connection.
type ProbeHistory struct {
	mu      sync.Mutex
	prefix  string
	size    int
	ttl     time.Duration
	rdb     *redis.Client
	windows map[common.ServerIndex]*SamplingWindow[ProbeSample]
}

func NewProbeHistory(prefix string, size int, ttl time.Duration, opts *redis.Options) (*ProbeHistory, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &ProbeHistory{
		prefix:  prefix,
		size:    size,
		ttl:     ttl,
		rdb:     client,
		windows: make(map[common.ServerIndex]*SamplingWindow[ProbeSample]),
	}, nil
}

func (h *ProbeHistory) window(server common.ServerIndex) *SamplingWindow[ProbeSample] {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.windows[server]
	if !ok {
		w = newWindow[ProbeSample](fmt.Sprintf("%s:probe:%d", h.prefix, server), h.size, h.ttl, h.rdb)
		h.windows[server] = w
	}
	return w
}

func (h *ProbeHistory) Record(ctx context.Context, sample ProbeSample) error {
	return h.window(sample.Server).Add(ctx, sample)
}

// Samples returns the server's samples, newest first.
func (h *ProbeHistory) Samples(ctx context.Context, server common.ServerIndex) ([]ProbeSample, error) {
	return h.window(server).Get(ctx)
}

func (h *ProbeHistory) Stats(ctx context.Context, server common.ServerIndex) (ProbeStats, error) {
	samples, err := h.Samples(ctx, server)
	if err != nil {
		return ProbeStats{}, err
	}

	stats := ProbeStats{Server: server, Samples: len(samples)}
	var total time.Duration
	for i, s := range samples {
		if s.OK {
			stats.Successes++
			total += s.RTT
			if stats.LastSeen.IsZero() {
				stats.LastSeen = s.At
			}
		} else if i == 0 {
			stats.LastError = s.Error
		}
	}
	if stats.Samples > 0 {
		stats.SuccessRatio = float64(stats.Successes) / float64(stats.Samples)
	}
	if stats.Successes > 0 {
		stats.MeanRTT = total / time.Duration(stats.Successes)
	}
	return stats, nil
}

func (h *ProbeHistory) Close() error {
	return h.rdb.Close()
}
