package link

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dcshock/brainpipe/coord"
	"github.com/dcshock/brainpipe/pipeline"
)

// ClaimKeyFunc derives the claim key of a prototype stimulus record.
type ClaimKeyFunc func(proto pipeline.Record) string

// DefaultClaimKey uses the stimulus path.
func DefaultClaimKey(proto pipeline.Record) string {
	return fmt.Sprint(proto["stimulus_path"])
}

// Step links stimulus records to a brain recording. It mutates and returns
// the record it is given.
type Step struct {
	stimuli    []pipeline.Record
	stimStep   pipeline.Step
	extractor  Extractor
	compare    Comparison
	group      Grouper
	stimuliKey string
	claimKey   ClaimKeyFunc
	claims     *coord.Claims
	log        logrus.FieldLogger
}

// Option configures a Step.
type Option func(*Step)

// WithStimuli links stimuli from a fixed list.
func WithStimuli(recs []pipeline.Record) Option {
	return func(s *Step) { s.stimuli = recs }
}

// WithStimulusStep computes the stimuli of each recording by running step on
// the prototype record group builds for every event row.
func WithStimulusStep(step pipeline.Step, group Grouper) Option {
	return func(s *Step) {
		s.stimStep = step
		s.group = group
	}
}

func WithExtractor(e Extractor) Option {
	return func(s *Step) { s.extractor = e }
}

func WithComparison(c Comparison) Option {
	return func(s *Step) { s.compare = c }
}

// WithStimuliKey changes the key the linked stimuli are stored under
// (default "stimuli").
func WithStimuliKey(key string) Option {
	return func(s *Step) { s.stimuliKey = key }
}

// WithClaims shares in-progress claims between steps, usually
// coord.Env.Claims. By default every Step has its own.
func WithClaims(c *coord.Claims) Option {
	return func(s *Step) { s.claims = c }
}

func WithClaimKey(fn ClaimKeyFunc) Option {
	return func(s *Step) { s.claimKey = fn }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Step) { s.log = l }
}

// New returns a link step. Exactly one of WithStimuli and WithStimulusStep
// must be given, the latter with a grouper.
func New(opts ...Option) (*Step, error) {
	s := &Step{
		extractor:  NewBIDSEvents(),
		compare:    NewBasenameComparison(false).Compare,
		stimuliKey: "stimuli",
		claimKey:   DefaultClaimKey,
		log:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	switch {
	case s.stimStep != nil && s.stimuli != nil:
		return nil, pipeline.ConfigErrorf("link: set either stimuli or a stimulus step, not both")
	case s.stimStep == nil && s.stimuli == nil:
		return nil, pipeline.ConfigErrorf("link: stimuli or a stimulus step is required")
	case s.stimStep != nil && s.group == nil:
		return nil, pipeline.ConfigErrorf("link: a grouper is required when stimuli come from a step")
	}
	if s.claims == nil {
		s.claims = coord.NewClaims()
	}
	return s, nil
}

func (s *Step) Name() string { return "LinkStimulusToBrainResponse" }

func (s *Step) Describe() map[string]any {
	d := map[string]any{"stimuli_key": s.stimuliKey}
	if s.stimStep != nil {
		d["stimulus_step"] = pipeline.StepName(s.stimStep)
	} else {
		d["stimuli"] = len(s.stimuli)
	}
	return d
}

func (s *Step) Apply(ctx context.Context, rec pipeline.Record) ([]pipeline.Record, error) {
	events, err := s.extractor.Extract(rec)
	if err != nil {
		return nil, err
	}
	linked := []pipeline.Record{}
	if s.stimStep == nil {
		for _, stim := range s.stimuli {
			if s.compare(events, stim) {
				linked = append(linked, stim)
			}
		}
	} else {
		for _, e := range events {
			proto := s.group(e)
			key := s.claimKey(proto)
			var outs []pipeline.Record
			err := s.claims.Do(ctx, key, func() error {
				s.log.Debugf("Processing stimulus %s", key)
				var err error
				outs, err = s.stimStep.Apply(ctx, proto)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("stimulus %s: %w", key, err)
			}
			linked = append(linked, outs...)
		}
	}
	rec[s.stimuliKey] = linked
	return []pipeline.Record{rec}, nil
}
