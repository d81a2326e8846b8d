package server

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log 进程级 SugaredLogger；Engine 未注入 logger 时使用它
var Log *zap.SugaredLogger

// InitLogger 初始化 zap 日志到本地文件（支持滚动），同时以 Info 级别输出到 stderr
// filePath: 日志文件路径，如 "tablesync.log"
func InitLogger(filePath string, level zapcore.Level) error {
	// 文件滚动策略：10MB 每文件，保留3个备份
	lj := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   false,
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapcore.InfoLevel),
	)

	logger := zap.New(core, zap.AddCaller())
	Log = logger.Sugar().Named("tablesync")
	return nil
}

// Logger 返回进程级 logger；未初始化时返回 no-op logger
func Logger() *zap.SugaredLogger {
	if Log == nil {
		return zap.NewNop().Sugar()
	}
	return Log
}

// SyncLogger 清理和同步缓冲
func SyncLogger() {
	if Log != nil {
		_ = Log.Sync()
	}
}
