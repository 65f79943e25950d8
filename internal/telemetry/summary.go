package telemetry

import (
	"math"
	"sort"
	"time"

	"GoTrialRunner/internal/protocol"
)

// Summary 一个试验（或一组遥测文件）的统计
type Summary struct {
	Episodes    int            `json:"episodes"`
	Steps       int            `json:"steps"`
	Messages    int            `json:"messages"`
	ParseErrors int            `json:"parse_errors"`
	Commands    map[string]int `json:"commands"`
	Actions     map[string]int `json:"actions"`
	// EpisodeRewards 每个回合的奖励之和，按回合号排序
	EpisodeRewards []float64 `json:"episode_rewards"`
	TotalReward    float64   `json:"total_reward"`

	Duration    time.Duration `json:"duration"`
	StepsPerSec float64       `json:"steps_per_sec"`

	// 相邻两步之间的间隔
	MinInterval         time.Duration         `json:"min_interval"`
	MaxInterval         time.Duration         `json:"max_interval"`
	AverageInterval     time.Duration         `json:"average_interval"`
	IntervalPercentiles map[int]time.Duration `json:"interval_percentiles"`
	Jitter              time.Duration         `json:"jitter"`
}

// Entries 按文件顺序展开所有条目
func Entries(batches []*Batch) []Entry {
	var out []Entry
	for _, b := range batches {
		for _, ep := range b.Episodes {
			out = append(out, ep...)
		}
	}
	return out
}

// Summarize 统计条目序列
func Summarize(entries []Entry) *Summary {
	s := &Summary{
		Commands:            make(map[string]int),
		Actions:             make(map[string]int),
		IntervalPercentiles: make(map[int]time.Duration),
	}

	rewards := make(map[int]float64)
	var first, last, prevStep time.Time
	var intervals []time.Duration

	for _, e := range entries {
		if !e.At.IsZero() {
			if first.IsZero() || e.At.Before(first) {
				first = e.At
			}
			if e.At.After(last) {
				last = e.At
			}
		}

		switch e.Kind {
		case EntryMessage:
			s.Messages++
			s.countMessage(e.Payload)
		case EntryStep:
			s.Steps++
			if _, ok := rewards[e.Episode]; !ok {
				rewards[e.Episode] = 0
			}
			if r, ok := toFloat(e.Payload["reward"]); ok {
				rewards[e.Episode] += r
				s.TotalReward += r
			}
			if !prevStep.IsZero() && !e.At.IsZero() {
				intervals = append(intervals, e.At.Sub(prevStep))
			}
			prevStep = e.At
		}
	}

	episodes := make([]int, 0, len(rewards))
	for ep := range rewards {
		episodes = append(episodes, ep)
	}
	sort.Ints(episodes)
	for _, ep := range episodes {
		s.EpisodeRewards = append(s.EpisodeRewards, rewards[ep])
	}
	s.Episodes = len(episodes)

	if !first.IsZero() {
		s.Duration = last.Sub(first)
	}
	if s.Duration > 0 {
		s.StepsPerSec = float64(s.Steps) / s.Duration.Seconds()
	}

	s.intervalStats(intervals)
	return s
}

func (s *Summary) countMessage(payload map[string]any) {
	if _, ok := payload[protocol.FieldError]; ok {
		s.ParseErrors++
		return
	}
	if v, ok := payload[protocol.FieldCommand].(string); ok {
		s.Commands[v]++
	}
	if v, ok := payload[protocol.FieldAction].(string); ok {
		s.Actions[v]++
	}
}

func (s *Summary) intervalStats(intervals []time.Duration) {
	if len(intervals) == 0 {
		return
	}

	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i] < intervals[j]
	})

	s.MinInterval = intervals[0]
	s.MaxInterval = intervals[len(intervals)-1]

	var total time.Duration
	for _, d := range intervals {
		total += d
	}
	s.AverageInterval = total / time.Duration(len(intervals))

	for _, p := range []int{50, 90, 99} {
		s.IntervalPercentiles[p] = intervals[len(intervals)*p/100]
	}

	// 抖动：间隔的标准差
	var variance float64
	for _, d := range intervals {
		diff := float64(d - s.AverageInterval)
		variance += diff * diff
	}
	variance /= float64(len(intervals))
	s.Jitter = time.Duration(math.Sqrt(variance))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
