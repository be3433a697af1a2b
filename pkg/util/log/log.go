// Package log builds the process logger: logfmt or JSON on stderr, leveled,
// counting emitted messages per level. The active level can be changed at
// runtime through LevelHandler.
package log

import (
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Logger is the shared process logger, a no-op until InitLogger runs.
// Components receive it by injection; the global exists for the few places
// with no better seam.
var Logger = log.NewNopLogger()

var plogger *prometheusLogger

// InitLogger builds the process logger and stores it in Logger.
func InitLogger(lvl dslog.Level, format string, reg prometheus.Registerer) log.Logger {
	plogger = newPrometheusLogger(lvl, format, reg)

	Logger = log.With(plogger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(3))
	return Logger
}

// prometheusLogger forwards log calls through a swappable level filter into a
// per-level counter, so the active level can change while the process runs.
// Filtered messages are not counted.
type prometheusLogger struct {
	mtx     sync.RWMutex
	counted log.Logger
	leveled log.Logger
}

func newPrometheusLogger(lvl dslog.Level, format string, reg prometheus.Registerer) *prometheusLogger {
	writer := log.NewSyncWriter(os.Stderr)
	base := log.NewLogfmtLogger(writer)
	if format == "json" {
		base = log.NewJSONLogger(writer)
	}

	logMessages := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "querygrid",
		Name:      "log_messages_total",
		Help:      "Total number of log messages emitted.",
	}, []string{"level"})
	for _, v := range []level.Value{level.DebugValue(), level.InfoValue(), level.WarnValue(), level.ErrorValue()} {
		logMessages.WithLabelValues(v.String())
	}

	pl := &prometheusLogger{
		counted: &countingLogger{next: base, logMessages: logMessages},
	}
	pl.Set(lvl.Option)
	return pl
}

// Set swaps the level filter.
func (pl *prometheusLogger) Set(option level.Option) {
	pl.mtx.Lock()
	pl.leveled = level.NewFilter(pl.counted, option)
	pl.mtx.Unlock()
}

func (pl *prometheusLogger) Log(kv ...interface{}) error {
	pl.mtx.RLock()
	logger := pl.leveled
	pl.mtx.RUnlock()
	if logger == nil {
		logger = pl.counted
	}
	return logger.Log(kv...)
}

// countingLogger sits under the level filter, so only messages that passed
// it are counted.
type countingLogger struct {
	next        log.Logger
	logMessages *prometheus.CounterVec
}

func (c *countingLogger) Log(kv ...interface{}) error {
	l := "unknown"
	for i := 1; i < len(kv); i += 2 {
		if v, ok := kv[i].(level.Value); ok {
			l = v.String()
			break
		}
	}
	c.logMessages.WithLabelValues(l).Inc()
	return c.next.Log(kv...)
}

// LevelHandler reports the current log level and, on POST, sets a new one
// from the log_level form value.
func LevelHandler(currentLogLevel *dslog.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSONResponse(w, http.StatusOK, map[string]string{
				"message": fmt.Sprintf("Current log level is %s", currentLogLevel.String()),
			})
		case http.MethodPost:
			logLevel := r.FormValue("log_level")
			if err := currentLogLevel.Set(logLevel); err != nil {
				writeJSONResponse(w, http.StatusBadRequest, map[string]string{
					"status":  "failed",
					"message": err.Error(),
				})
				return
			}
			if plogger != nil {
				plogger.Set(currentLogLevel.Option)
			}
			writeJSONResponse(w, http.StatusOK, map[string]string{
				"status":  "success",
				"message": fmt.Sprintf("Log level set to %s", logLevel),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func writeJSONResponse(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
