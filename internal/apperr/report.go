package apperr

import "log/slog"

// Reporter receives fatal errors for crash reporting. The upload backend is
// an external collaborator; the default implementation only logs.
type Reporter interface {
	Report(err *Error)
}

// NopReporter drops everything. Used when crash reporting is disabled.
type NopReporter struct{}

func (NopReporter) Report(*Error) {}

// LogReporter writes the report id and context to the logger so operators can
// correlate log lines with uploaded reports.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(err *Error) {
	if err.Kind == KindInterrupt {
		// Interrupts are user-initiated, never reported.
		return
	}
	attrs := []any{"kind", string(err.Kind), "report_id", err.ReportID}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}
	r.Logger.Error(err.Error(), attrs...)
}
