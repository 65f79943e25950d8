package logger

import "log"

// InitLogger 初始化标准日志格式
func InitLogger() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Printf("Logger initialized")
}
