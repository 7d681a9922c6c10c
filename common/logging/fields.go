package logging

import "log/slog"

// Common field names for consistent logging across packages.
const (
	FieldService      = "service"
	FieldFeed         = "feed"
	FieldFeedFile     = "feed_file"
	FieldObservable   = "observable"
	FieldObservableID = "observable_id"
	FieldOType        = "otype"
	FieldWorker       = "worker"
	FieldProvider     = "provider"
	FieldPlugin       = "plugin"
	FieldRemote       = "remote"
	FieldStatus       = "status"
	FieldDuration     = "duration_ms"
	FieldCount        = "count"
	FieldError        = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Feed returns a slog attribute for a feed name.
func Feed(name string) slog.Attr {
	return slog.String(FieldFeed, name)
}

// FeedFile returns a slog attribute for the feed definition file.
func FeedFile(path string) slog.Attr {
	return slog.String(FieldFeedFile, path)
}

// Observable returns a slog attribute for a raw observable value.
func Observable(value string) slog.Attr {
	return slog.String(FieldObservable, value)
}

// ObservableID returns a slog attribute for an observable id.
func ObservableID(id string) slog.Attr {
	return slog.String(FieldObservableID, id)
}

// OType returns a slog attribute for an observable type.
func OType(t string) slog.Attr {
	return slog.String(FieldOType, t)
}

// Worker returns a slog attribute for a worker identity.
func Worker(id string) slog.Attr {
	return slog.String(FieldWorker, id)
}

// Provider returns a slog attribute for a meta provider name.
func Provider(name string) slog.Attr {
	return slog.String(FieldProvider, name)
}

// Plugin returns a slog attribute for a derivation plugin name.
func Plugin(name string) slog.Attr {
	return slog.String(FieldPlugin, name)
}

// Remote returns a slog attribute for a feed remote location.
func Remote(remote string) slog.Attr {
	return slog.String(FieldRemote, remote)
}

// Status returns a slog attribute for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Count returns a slog attribute for a record count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
