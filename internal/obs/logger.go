package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"time"
)

// Logger emits one JSON object per line. Fields are caller-supplied;
// level and ts are stamped here.
type Logger struct {
	l *log.Logger
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

// NewLoggerTo writes to w; tests use a buffer.
func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{
		l: log.New(w, "", 0),
	}
}

func (lg *Logger) Info(fields map[string]interface{}) {
	lg.emit("info", fields)
}

func (lg *Logger) Error(fields map[string]interface{}) {
	lg.emit("error", fields)
}

func (lg *Logger) emit(level string, fields map[string]interface{}) {
	fields["level"] = level
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	b, _ := json.Marshal(fields)
	lg.l.Println(string(b))
}
