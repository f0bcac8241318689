package observer

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dcshock/brainpipe/pipeline"
)

// LogObserver logs runs at Info and steps at Debug; failed steps at Warn.
type LogObserver struct {
	Log logrus.FieldLogger
}

// NewLogObserver returns a LogObserver; a nil l logs to logrus.StandardLogger().
func NewLogObserver(l logrus.FieldLogger) *LogObserver {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &LogObserver{Log: l}
}

func (o *LogObserver) BeforeRun(_ context.Context, runID, name string, input []pipeline.Record) error {
	o.Log.WithFields(logrus.Fields{"run_id": runID, "pipeline": name}).
		Infof("Run started with %d records", len(input))
	return nil
}

func (o *LogObserver) AfterRun(_ context.Context, runID string, output []pipeline.Record, err error) error {
	l := o.Log.WithField("run_id", runID)
	if err != nil {
		l.WithError(err).Error("Run failed")
		return nil
	}
	l.Infof("Run finished with %d records", len(output))
	return nil
}

func (o *LogObserver) BeforeStep(_ context.Context, runID string, index int, name string, _ pipeline.Record) error {
	o.Log.WithFields(logrus.Fields{"run_id": runID, "step": name, "index": index}).Debug("Step started")
	return nil
}

func (o *LogObserver) AfterStep(_ context.Context, runID string, info pipeline.StepInfo, _ pipeline.Record, output []pipeline.Record) error {
	l := o.Log.WithFields(logrus.Fields{
		"run_id":   runID,
		"step":     info.Name,
		"index":    info.Index,
		"duration": info.Duration,
	})
	if info.Err != "" {
		l.WithField("error", info.Err).Warn("Step failed")
		return nil
	}
	l.Debugf("Step finished with %d records", len(output))
	return nil
}

var _ pipeline.Observer = (*LogObserver)(nil)
