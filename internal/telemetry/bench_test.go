package telemetry

import (
	"fmt"
	"testing"
	"time"

	"GoTrialRunner/internal/config"
	"GoTrialRunner/internal/protocol"
)

// benchEpisode 构造一个有 n 步的回合日志
func benchEpisode(n int) []Entry {
	at := time.Now()
	entries := make([]Entry, 0, 2*n)
	for i := 0; i < n; i++ {
		entries = append(entries,
			Entry{Kind: EntryMessage, Episode: 1, FrameID: uint64(i), At: at,
				Payload: map[string]any{"action": "left"}},
			Entry{Kind: EntryStep, Episode: 1, FrameID: uint64(i + 1), At: at,
				Payload: map[string]any{
					"done":        false,
					"reward":      -0.01,
					"observation": map[string]any{"agent": []int{i % 8, i / 8}},
					"info":        map[string]any{"step": i},
				}},
		)
	}
	return entries
}

// BenchmarkEncodeEpisode 基准测试回合批次编码
func BenchmarkEncodeEpisode(b *testing.B) {
	entries := benchEpisode(200)
	for _, compress := range []bool{false, true} {
		b.Run(fmt.Sprintf("zstd=%v", compress), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := encodeBatch(protocol.KindEpisodeBatch, entries, compress); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkReadEpisode 基准测试流式读取
func BenchmarkReadEpisode(b *testing.B) {
	for _, compression := range []string{config.CompressionNone, config.CompressionZstd} {
		b.Run(compression, func(b *testing.B) {
			store := NewStore(b.TempDir(), compression)
			seg, err := store.Open("bench")
			if err != nil {
				b.Fatal(err)
			}
			for i := 0; i < 10; i++ {
				if err := seg.WriteEpisode(benchEpisode(200)); err != nil {
					b.Fatal(err)
				}
			}
			if err := seg.Close(); err != nil {
				b.Fatal(err)
			}

			batches, err := ReadFile(seg.Path())
			if err != nil {
				b.Fatal(err)
			}
			b.ReportMetric(float64(seg.Written())/float64(len(batches)), "bytes/batch")

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := ReadFile(seg.Path()); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkSummarize 基准测试统计
func BenchmarkSummarize(b *testing.B) {
	entries := benchEpisode(1000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Summarize(entries)
	}
}
