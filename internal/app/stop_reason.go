package app

// StopReason is logged when the daemon shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopIdle       StopReason = "idle_timeout"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)
