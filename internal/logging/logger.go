// Package logging provides config-driven categorized file-based logging for autognosis.
// Logs are written to <workspace>/.autognosis/logs/ with separate files per category.
// Logging is controlled by debug_mode in the node config - when false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	// Process categories
	CategoryBoot        Category = "boot"        // Node construction and teardown
	CategoryScheduler   Category = "scheduler"   // Tick loop and rate limiting
	CategoryPerformance Category = "performance" // Slow cycles

	// Cognitive subsystems
	CategoryKnowledge   Category = "knowledge"   // Atom store
	CategoryTopology    Category = "topology"    // Self model and peer table
	CategoryHealing     Category = "healing"     // Diagnosis and rule feedback
	CategoryAgency      Category = "agency"      // Entropy, agency, vortices
	CategoryHomeostasis Category = "homeostasis" // Setpoints, loops, equilibrium
	CategoryForecast    Category = "forecast"    // Projections and anticipatory actions

	// Network and I/O
	CategoryCoordination Category = "coordination" // Message handling
	CategoryTransport    Category = "transport"    // NATS / in-memory delivery
	CategoryBridge       Category = "bridge"       // Federation collaborator
	CategoryStore        Category = "store"        // SQLite and Redis persistence
	CategoryMetrics      Category = "metrics"      // Prometheus and status HTTP
)

// AllCategories lists every known category in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryBoot, CategoryScheduler, CategoryPerformance,
		CategoryKnowledge, CategoryTopology, CategoryHealing, CategoryAgency,
		CategoryHomeostasis, CategoryForecast,
		CategoryCoordination, CategoryTransport, CategoryBridge, CategoryStore, CategoryMetrics,
	}
}

// Options controls how Initialize sets up the loggers.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a zap sugared logger bound to one category
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory under the workspace.
// Should be called once at startup; calling it again re-applies options.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	CloseAll()

	optsMu.Lock()
	opts = o
	logsDir = filepath.Join(workspace, ".autognosis", "logs")
	optsMu.Unlock()

	level.SetLevel(parseLevel(o.Level))

	if !o.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== autognosis logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", level.Level())
	if len(o.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

// Reconfigure applies new options without touching the workspace.
// Open category files are closed so that filters take effect on next Get.
func Reconfigure(o Options) {
	CloseAll()
	optsMu.Lock()
	opts = o
	optsMu.Unlock()
	level.SetLevel(parseLevel(o.Level))
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	optsMu.RLock()
	dir := logsDir
	jsonFormat := opts.JSONFormat
	optsMu.RUnlock()
	if dir == "" {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(file), level)

	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Category returns the category this logger writes to.
func (l *Logger) Category() Category { return l.category }

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// StructuredLog writes a log entry with custom key/value fields.
func (l *Logger) StructuredLog(lvl string, msg string, fields map[string]interface{}) {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch parseLevel(lvl) {
	case zapcore.DebugLevel:
		l.sugar.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		l.sugar.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(kv...)}
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		_ = l.sugar.Sync()
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}

func Knowledge(format string, args ...interface{})      { Get(CategoryKnowledge).Info(format, args...) }
func KnowledgeDebug(format string, args ...interface{}) { Get(CategoryKnowledge).Debug(format, args...) }

func Topology(format string, args ...interface{})      { Get(CategoryTopology).Info(format, args...) }
func TopologyDebug(format string, args ...interface{}) { Get(CategoryTopology).Debug(format, args...) }

func Healing(format string, args ...interface{})      { Get(CategoryHealing).Info(format, args...) }
func HealingDebug(format string, args ...interface{}) { Get(CategoryHealing).Debug(format, args...) }
func HealingWarn(format string, args ...interface{})  { Get(CategoryHealing).Warn(format, args...) }

func Agency(format string, args ...interface{})      { Get(CategoryAgency).Info(format, args...) }
func AgencyDebug(format string, args ...interface{}) { Get(CategoryAgency).Debug(format, args...) }

func Homeostasis(format string, args ...interface{}) { Get(CategoryHomeostasis).Info(format, args...) }
func HomeostasisDebug(format string, args ...interface{}) {
	Get(CategoryHomeostasis).Debug(format, args...)
}

func Forecast(format string, args ...interface{})      { Get(CategoryForecast).Info(format, args...) }
func ForecastDebug(format string, args ...interface{}) { Get(CategoryForecast).Debug(format, args...) }

func Coordination(format string, args ...interface{}) { Get(CategoryCoordination).Info(format, args...) }
func CoordinationDebug(format string, args ...interface{}) {
	Get(CategoryCoordination).Debug(format, args...)
}
func CoordinationWarn(format string, args ...interface{}) {
	Get(CategoryCoordination).Warn(format, args...)
}

func Transport(format string, args ...interface{})      { Get(CategoryTransport).Info(format, args...) }
func TransportDebug(format string, args ...interface{}) { Get(CategoryTransport).Debug(format, args...) }
func TransportError(format string, args ...interface{}) { Get(CategoryTransport).Error(format, args...) }

func Bridge(format string, args ...interface{})     { Get(CategoryBridge).Info(format, args...) }
func BridgeWarn(format string, args ...interface{}) { Get(CategoryBridge).Warn(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

func Metrics(format string, args ...interface{})      { Get(CategoryMetrics).Info(format, args...) }
func MetricsError(format string, args ...interface{}) { Get(CategoryMetrics).Error(format, args...) }

// =============================================================================
// TIMING
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning to the performance category if the
// duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(CategoryPerformance).Warn("[%s] %s took %v (threshold: %v)", t.category, t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
