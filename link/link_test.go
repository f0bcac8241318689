package link

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dcshock/brainpipe/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeEvents(t *testing.T, dir string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub-01_ses-01_task-01_run-01_events.tsv"), []byte(content), 0o644))
}

// --- Events ---

func TestBIDSEvents_Extract(t *testing.T) {
	dir := t.TempDir()
	writeEvents(t, dir,
		"onset\tduration\tstim_file\ttrial_type",
		"1.0\t32.0\tstimuli_1.jpg\ttype_a",
		"3.0\t4.0\tstimuli_1.wav\ttype_b",
	)
	rec := pipeline.Record{"data_path": filepath.Join(dir, "sub-01_ses-01_task-01_run-01_eeg.bdf")}

	events, err := NewBIDSEvents().Extract(rec)
	require.NoError(t, err)
	assert.Equal(t, []Event{
		{"onset": "1.0", "duration": "32.0", "stim_file": "stimuli_1.jpg", "trial_type": "type_a"},
		{"onset": "3.0", "duration": "4.0", "stim_file": "stimuli_1.wav", "trial_type": "type_b"},
	}, events)
	info, ok := rec["event_info"].([]any)
	require.True(t, ok)
	require.Len(t, info, 2)
	assert.Equal(t, "stimuli_1.wav", info[1].(map[string]any)["stim_file"])
}

func TestBIDSEvents_Errors(t *testing.T) {
	_, err := NewBIDSEvents().Extract(pipeline.Record{"data_path": "nounderscore.bdf"})
	assert.True(t, pipeline.IsConfigError(err))

	_, err = NewBIDSEvents().Extract(pipeline.Record{})
	assert.True(t, pipeline.IsConfigError(err))

	_, err = NewBIDSEvents().Extract(pipeline.Record{"data_path": filepath.Join(t.TempDir(), "sub-01_eeg.bdf")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// --- Comparison ---

func TestBasenameComparison(t *testing.T) {
	events := []Event{{"a": "stimulus.wav"}, {"b": "stimulus.jpg"}}
	stim := pipeline.Record{"stimulus_path": "/stimuli/stimulus.wav"}

	exact := NewBasenameComparison(false)
	assert.True(t, exact.Compare(events, stim))
	assert.False(t, exact.Compare([]Event{{"b": "stimulus.jpg"}}, stim))
	assert.False(t, exact.Compare(events, pipeline.Record{"stimulus_path": 1234}))

	loose := NewBasenameComparison(true)
	assert.True(t, loose.Compare([]Event{{"b": "stimulus.jpg"}}, stim))
	assert.False(t, loose.Compare([]Event{{"b": "something.wav"}}, stim))
	assert.Equal(t, "c.d.e", loose.name("/a/b/c.d.e.f"))
}

// --- Grouper ---

func TestBIDSStimulusGrouper(t *testing.T) {
	log, hook := test.NewNullLogger()
	g := NewBIDSStimulusGrouper("/bids")
	g.log = log

	assert.Equal(t, pipeline.Record{"stimulus_path": "/bids/stimuli/audio/a.wav"}, g.Group(Event{"stim_file": "audio/a.wav"}))
	assert.Equal(t, pipeline.Record{"stimulus_path": "/bids/stimuli/a.wav"}, g.Group(Event{"stim_file": "stimuli/a.wav"}))
	assert.Equal(t, pipeline.Record{"stimulus_path": nil}, g.Group(Event{"stim_file": "n/a"}))
	assert.Empty(t, hook.AllEntries())
	assert.Equal(t, pipeline.Record{"stimulus_path": nil}, g.Group(Event{"onset": "1"}))
	assert.Len(t, hook.AllEntries(), 1)
}

// --- Step ---

func TestNew_ConfigErrors(t *testing.T) {
	_, err := New()
	assert.True(t, pipeline.IsConfigError(err))
	_, err = New(WithStimulusStep(pipeline.Identity(), nil))
	assert.True(t, pipeline.IsConfigError(err))
	_, err = New(WithStimuli([]pipeline.Record{}), WithStimulusStep(pipeline.Identity(), NewBIDSStimulusGrouper("/").Group))
	assert.True(t, pipeline.IsConfigError(err))
}

func TestStep_FromList(t *testing.T) {
	extract := ExtractorFunc(func(pipeline.Record) ([]Event, error) {
		return []Event{{"stim_path": "stimulus.wav"}, {"a": "other1.wav"}}, nil
	})
	stimuli := []pipeline.Record{{"stimulus_path": "stimulus.wav"}, {"stimulus_path": "other2.wav"}}
	s, err := New(WithStimuli(stimuli), WithExtractor(extract))
	require.NoError(t, err)

	out, err := s.Apply(context.Background(), pipeline.Record{"data_path": "x_eeg.bdf"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []pipeline.Record{{"stimulus_path": "stimulus.wav"}}, out[0]["stimuli"])
}

func TestStep_ExtractorError(t *testing.T) {
	boom := errors.New("boom")
	s, err := New(WithStimuli(nil), WithExtractor(ExtractorFunc(func(pipeline.Record) ([]Event, error) {
		return nil, boom
	})))
	require.Error(t, err, "nil stimuli means no source")

	s, err = New(WithStimuli([]pipeline.Record{}), WithExtractor(ExtractorFunc(func(pipeline.Record) ([]Event, error) {
		return nil, boom
	})))
	require.NoError(t, err)
	_, err = s.Apply(context.Background(), pipeline.Record{})
	assert.ErrorIs(t, err, boom)
}

// sharedStimulus computes each stimulus once and records how many callers
// were inside it at the same time.
type sharedStimulus struct {
	mu       sync.Mutex
	done     map[string]bool
	computed atomic.Int32
	inside   atomic.Int32
	maxIn    atomic.Int32
}

func (s *sharedStimulus) Apply(_ context.Context, rec pipeline.Record) ([]pipeline.Record, error) {
	n := s.inside.Add(1)
	defer s.inside.Add(-1)
	for {
		m := s.maxIn.Load()
		if n <= m || s.maxIn.CompareAndSwap(m, n) {
			break
		}
	}
	path := rec["stimulus_path"].(string)
	s.mu.Lock()
	cached := s.done[path]
	s.mu.Unlock()
	if !cached {
		time.Sleep(20 * time.Millisecond)
		s.computed.Add(1)
		s.mu.Lock()
		s.done[path] = true
		s.mu.Unlock()
	}
	return []pipeline.Record{{"stimulus_path": path, "envelope": []float64{1, 2}}}, nil
}

func TestStep_StimulusStepSharedAcrossRecordings(t *testing.T) {
	stim := &sharedStimulus{done: map[string]bool{}}
	extract := ExtractorFunc(func(pipeline.Record) ([]Event, error) {
		return []Event{{"stim_file": "story.wav"}}, nil
	})
	s, err := New(
		WithStimulusStep(stim, NewBIDSStimulusGrouper("/bids").Group),
		WithExtractor(extract),
	)
	require.NoError(t, err)

	var wg sync.WaitGroup
	outs := make([][]pipeline.Record, 8)
	for i := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.Apply(context.Background(), pipeline.Record{"data_path": "r_eeg.bdf", "i": i})
			assert.NoError(t, err)
			outs[i] = out
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), stim.computed.Load())
	assert.Equal(t, int32(1), stim.maxIn.Load(), "one recording at a time per stimulus")
	for _, out := range outs {
		require.Len(t, out, 1)
		linked := out[0]["stimuli"].([]pipeline.Record)
		require.Len(t, linked, 1)
		assert.Equal(t, "/bids/stimuli/story.wav", linked[0]["stimulus_path"])
	}
}
