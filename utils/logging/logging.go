package logging

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

type LogCode string

const (
	// SYSTEM EVENTS (SYSTEM*)
	SYSTEM LogCode = "SYSTEM"

	// INFRASTRUCTURE OPERATIONS
	PROVISION_BUCKET   LogCode = "PROVISION_BUCKET"
	PROVISION_REGISTRY LogCode = "PROVISION_REGISTRY"

	// IMAGE OPERATIONS
	IMAGE_BUILD LogCode = "IMAGE_BUILD"
	IMAGE_PUSH  LogCode = "IMAGE_PUSH"

	// JOB OPERATIONS
	JOB_SUBMIT LogCode = "JOB_SUBMIT"
	JOB_STATUS LogCode = "JOB_STATUS"

	// RUN OPERATIONS
	CONFIG_STAGE  LogCode = "CONFIG_STAGE"
	TRACKER_AUTH  LogCode = "TRACKER_AUTH"
	TRAIN_INVOKE  LogCode = "TRAIN_INVOKE"
	RESULT_UPLOAD LogCode = "RESULT_UPLOAD"
)

// Setup installs the default logger: structured json records to the given
// writer (typically a log file) fanned out with a human readable text handler
// on stderr.
func Setup(logFile io.Writer) {
	jsonHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	textHandler := slog.NewTextHandler(os.Stderr, nil)

	logger := slog.New(slogmulti.Fanout(jsonHandler, textHandler))
	slog.SetDefault(logger)
}
