package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	job, err := NewJob("/videos/show/ep01.mkv", ModeAnimated, PresetFor(ModeAnimated))
	require.NoError(t, err)

	assert.Equal(t, "/videos/show/ep01.mkv", job.SourceFile)
	assert.Equal(t, "/videos/show/ep01_conv.mkv", job.OutputFile)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, ModeAnimated, job.Mode)
	assert.WithinDuration(t, time.Now(), job.CreatedAt, time.Second)

	settings, err := job.ParseSettings()
	require.NoError(t, err)
	assert.Equal(t, 35, settings.CRF)
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{name: "mkv", source: "/videos/a.mkv", want: "/videos/a_conv.mkv"},
		{name: "dots in stem", source: "/videos/a.b.c.mp4", want: "/videos/a.b.c_conv.mp4"},
		{name: "no extension", source: "/videos/raw", want: "/videos/raw_conv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OutputPath(tt.source))
		})
	}
}

func TestJob_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{name: "pending to processing", from: JobStatusPending, to: JobStatusProcessing},
		{name: "pending to failed", from: JobStatusPending, to: JobStatusFailed},
		{name: "processing to completed", from: JobStatusProcessing, to: JobStatusCompleted},
		{name: "processing to failed", from: JobStatusProcessing, to: JobStatusFailed},
		{name: "processing to cancelled", from: JobStatusProcessing, to: JobStatusCancelled},
		{name: "pending to completed", from: JobStatusPending, to: JobStatusCompleted, wantErr: true},
		{name: "completed to processing", from: JobStatusCompleted, to: JobStatusProcessing, wantErr: true},
		{name: "cancelled to failed", from: JobStatusCancelled, to: JobStatusFailed, wantErr: true},
		{name: "failed to failed", from: JobStatusFailed, to: JobStatusFailed, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{Status: tt.from}
			err := job.Transition(tt.to)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				assert.Equal(t, tt.from, job.Status)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.to, job.Status)
		})
	}
}

func TestJob_Finish(t *testing.T) {
	now := time.Now().UTC()

	t.Run("completed forces 100 percent", func(t *testing.T) {
		job := &Job{Status: JobStatusProcessing, ProgressPercent: 42}
		require.NoError(t, job.Finish(JobStatusCompleted, "", "log", now))

		assert.Equal(t, 100.0, job.ProgressPercent)
		assert.Nil(t, job.ErrorMessage)
		assert.Equal(t, "log", job.Log)
		require.NotNil(t, job.CompletedAt)
		assert.Equal(t, now, *job.CompletedAt)
	})

	t.Run("failed keeps percent", func(t *testing.T) {
		job := &Job{Status: JobStatusProcessing, ProgressPercent: 42}
		require.NoError(t, job.Finish(JobStatusFailed, "ERROR: boom", "", now))

		assert.Equal(t, 42.0, job.ProgressPercent)
		require.NotNil(t, job.ErrorMessage)
		assert.Equal(t, "ERROR: boom", *job.ErrorMessage)
	})

	t.Run("non terminal target rejected", func(t *testing.T) {
		job := &Job{Status: JobStatusProcessing}
		assert.ErrorIs(t, job.Finish(JobStatusPending, "", "", now), ErrInvalidTransition)
	})

	t.Run("terminal state is never re-entered", func(t *testing.T) {
		job := &Job{Status: JobStatusCancelled}
		assert.ErrorIs(t, job.Finish(JobStatusFailed, "x", "", now), ErrInvalidTransition)
		assert.Equal(t, JobStatusCancelled, job.Status)
	})
}

func TestLastErrorLine(t *testing.T) {
	assert.Equal(t, DefaultFailureMessage, LastErrorLine(""))
	assert.Equal(t, DefaultFailureMessage, LastErrorLine("STAGE:encode\nsome text"))
	assert.Equal(t, "ERROR:second", LastErrorLine("ERROR:first\nSTAGE:encode\nERROR:second\nSTDERR: x"))
}

func TestJob_ParseSettings(t *testing.T) {
	t.Run("empty blob uses mode preset", func(t *testing.T) {
		job := &Job{Mode: ModeGrainy, Settings: "{}"}
		settings, err := job.ParseSettings()
		require.NoError(t, err)
		assert.Equal(t, PresetFor(ModeGrainy), settings)
	})

	t.Run("partial blob overrides preset", func(t *testing.T) {
		job := &Job{Mode: ModeDefault, Settings: `{"crf":30,"skip_crop_detect":true}`}
		settings, err := job.ParseSettings()
		require.NoError(t, err)
		assert.Equal(t, 30, settings.CRF)
		assert.True(t, settings.SkipCropDetect)
		assert.Equal(t, "96k", settings.AudioBitrate)
	})

	t.Run("corrupt blob", func(t *testing.T) {
		job := &Job{ID: 7, Settings: "{not json"}
		_, err := job.ParseSettings()
		assert.ErrorContains(t, err, "decode settings for job 7")
	})
}

func TestConversionSettings_Validate(t *testing.T) {
	valid := PresetFor(ModeDefault)

	tests := []struct {
		name   string
		mutate func(s *ConversionSettings)
		field  string
	}{
		{name: "valid", mutate: func(s *ConversionSettings) {}},
		{name: "crf too high", mutate: func(s *ConversionSettings) { s.CRF = 52 }, field: "crf"},
		{name: "negative preset", mutate: func(s *ConversionSettings) { s.Preset = -1 }, field: "preset"},
		{name: "svt params with space", mutate: func(s *ConversionSettings) { s.SVTParams = "tune=0 x" }, field: "svt_params"},
		{name: "bad bitrate", mutate: func(s *ConversionSettings) { s.AudioBitrate = "96kbps" }, field: "audio_bitrate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestConversionSettings_Args(t *testing.T) {
	s := ConversionSettings{CRF: 26, Preset: 4, SVTParams: "tune=0", AudioBitrate: "96k", SkipCropDetect: true}
	assert.Equal(t, []string{"26", "4", "tune=0", "96k", "1"}, s.Args())

	s.SkipCropDetect = false
	assert.Equal(t, "0", s.Args()[4])
}
