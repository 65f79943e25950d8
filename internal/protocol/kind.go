package protocol

// 记录类型定义 - 用于识别遥测文件中的不同批次
const (
	// 单个回合的日志批次
	KindEpisodeBatch uint16 = 0x0101
	// 整个试验的日志批次（trial模式结束时一次性写入）
	KindTrialBatch uint16 = 0x0102

	// 压缩标志位，与基础类型按位或
	FlagZstd uint16 = 0x8000
)

// BaseKind 去掉标志位后的基础类型
func BaseKind(kind uint16) uint16 {
	return kind &^ FlagZstd
}

// IsCompressed 判断记录体是否经过zstd压缩
func IsCompressed(kind uint16) bool {
	return kind&FlagZstd != 0
}

// KindToString 将记录类型转换为可读字符串，用于调试和日志
func KindToString(kind uint16) string {
	name := "UNKNOWN"
	switch BaseKind(kind) {
	case KindEpisodeBatch:
		name = "EPISODE_BATCH"
	case KindTrialBatch:
		name = "TRIAL_BATCH"
	}
	if IsCompressed(kind) {
		name += "+ZSTD"
	}
	return name
}

// IsValidKind 检查记录类型是否有效
func IsValidKind(kind uint16) bool {
	switch BaseKind(kind) {
	case KindEpisodeBatch, KindTrialBatch:
		return true
	default:
		return false
	}
}
