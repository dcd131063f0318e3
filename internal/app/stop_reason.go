package app

// StopReason is logged and published when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopFinished   StopReason = "finished"
	StopAppStop    StopReason = "app_stop"
)

// Version is stamped at build time with -ldflags "-X autoelect/internal/app.Version=...".
var Version = "dev"
