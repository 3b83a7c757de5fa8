package jpeg2000

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-wide diagnostic sink. It is silent by default;
// callers that want visibility into tile encoding, rate-control layer
// selection, or cancellation call SetLogger or SetLogFile.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// SetLogger replaces the package's diagnostic logger.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// SetLogFile points the package's diagnostic logger at a rotating log
// file. The returned *lumberjack.Logger can be closed by the caller to
// flush and release the file; the package keeps using it until SetLogger
// or SetLogFile is called again.
func SetLogFile(path string) *lumberjack.Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	logger = slog.New(slog.NewJSONHandler(lj, nil))
	return lj
}
