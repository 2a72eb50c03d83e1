package log

import "sort"

// ForComponent labels logger with the component it belongs to.
func ForComponent(logger Logger, name string) Logger {
	return logger.With("component", name)
}

// WithTags adds tags to the logger context in key order, so records for the
// same tag set always read the same.
func WithTags(logger Logger, tags map[string]string) Logger {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ctx := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		ctx = append(ctx, k, tags[k])
	}
	return logger.With(ctx...)
}

// Err logs err at error level.
func Err(logger Logger, err error, msg string) {
	logger.Error(msg, "err", err)
}

// Warn logs err at warning level.
func Warn(logger Logger, err error, msg string) {
	logger.Warn(msg, "err", err)
}
