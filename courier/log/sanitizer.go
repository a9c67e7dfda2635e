package log

import (
	"context"
	"fmt"
	"strings"
)

// controlCharReplacer escapes control characters that can be used for log
// injection (CWE-117). Newlines, carriage returns, and tabs in attacker
// influenced values (routing keys, message ids, header values) can forge
// fake log entries or mislead incident response.
var controlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// SanitizeValue escapes control characters in a single string value.
func SanitizeValue(s string) string {
	return controlCharReplacer.Replace(s)
}

// SafeString creates a string field with control characters escaped. Use it
// for values that originate outside the process, such as message headers and
// routing keys.
func SafeString(key, value string) Field {
	return Field{Key: key, Value: SanitizeValue(value)}
}

// SafeError logs errors with explicit production-aware sanitization.
// When production is true, only the error type is logged.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil {
		return
	}

	if err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))
		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
