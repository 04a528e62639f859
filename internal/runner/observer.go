package runner

import "github.com/NodePath81/netgrade/internal/util"

// Observer receives run lifecycle notifications. Calls are made from the run
// goroutine, one at a time, in order.
type Observer interface {
	OnProgress(stage Stage, message string, percent float64)
	OnComplete(report CompositeReport)
	// OnError fires only when every stage failed; report carries the
	// synthetic failing grade.
	OnError(reason string, report CompositeReport)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Progress func(stage Stage, message string, percent float64)
	Complete func(report CompositeReport)
	Error    func(reason string, report CompositeReport)
}

func (f ObserverFuncs) OnProgress(stage Stage, message string, percent float64) {
	if f.Progress != nil {
		f.Progress(stage, message, percent)
	}
}

func (f ObserverFuncs) OnComplete(report CompositeReport) {
	if f.Complete != nil {
		f.Complete(report)
	}
}

func (f ObserverFuncs) OnError(reason string, report CompositeReport) {
	if f.Error != nil {
		f.Error(reason, report)
	}
}

// MultiObserver fans notifications out to every non-nil observer in order.
type MultiObserver []Observer

func (m MultiObserver) OnProgress(stage Stage, message string, percent float64) {
	for _, o := range m {
		if o != nil {
			o.OnProgress(stage, message, percent)
		}
	}
}

func (m MultiObserver) OnComplete(report CompositeReport) {
	for _, o := range m {
		if o != nil {
			o.OnComplete(report)
		}
	}
}

func (m MultiObserver) OnError(reason string, report CompositeReport) {
	for _, o := range m {
		if o != nil {
			o.OnError(reason, report)
		}
	}
}

type logObserver struct {
	logger util.Logger
}

// NewLogObserver logs stage transitions and outcomes.
func NewLogObserver(logger util.Logger) Observer {
	return logObserver{logger: logger}
}

func (l logObserver) OnProgress(stage Stage, message string, percent float64) {
	l.logger.Debug("test progress", "stage", stage, "message", message, "percent", percent)
}

func (l logObserver) OnComplete(report CompositeReport) {
	attrs := []any{"run_id", report.RunID, "incomplete", report.Incomplete, "duplicate", report.Duplicate, "degraded", report.Degraded}
	if report.Quality != nil {
		attrs = append(attrs, "grade", report.Quality.Grade, "score", report.Quality.Score)
	}
	l.logger.Info("test completed", attrs...)
}

func (l logObserver) OnError(reason string, report CompositeReport) {
	l.logger.Error("test failed", "run_id", report.RunID, "reason", reason)
}
