package animation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		metadata Metadata
		wantErr  bool
	}{
		{
			name:     "valid",
			metadata: Metadata{FrameRate: 30, TotalFrames: 60, Duration: 2},
		},
		{
			name:     "zero_frame_rate",
			metadata: Metadata{FrameRate: 0, TotalFrames: 60},
			wantErr:  true,
		},
		{
			name:     "negative_frame_rate",
			metadata: Metadata{FrameRate: -24, TotalFrames: 60},
			wantErr:  true,
		},
		{
			name:     "zero_total_frames",
			metadata: Metadata{FrameRate: 30, TotalFrames: 0},
			wantErr:  true,
		},
		{
			name:     "negative_duration",
			metadata: Metadata{FrameRate: 30, TotalFrames: 60, Duration: -1},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &Payload{Metadata: tt.metadata}
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSession(t *testing.T) {
	t.Parallel()

	t.Run("derives_duration", func(t *testing.T) {
		t.Parallel()
		s, err := NewSession("spinner", Payload{
			Metadata: Metadata{FrameRate: 30, TotalFrames: 60},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, "spinner", s.Name)
		assert.InDelta(t, 2.0, s.Metadata().Duration, 1e-9)
	})

	t.Run("keeps_explicit_duration", func(t *testing.T) {
		t.Parallel()
		s, err := NewSession("spinner", Payload{
			Metadata: Metadata{FrameRate: 30, TotalFrames: 60, Duration: 2.5},
		})
		require.NoError(t, err)
		assert.InDelta(t, 2.5, s.Metadata().Duration, 1e-9)
	})

	t.Run("rejects_invalid_payload", func(t *testing.T) {
		t.Parallel()
		_, err := NewSession("broken", Payload{})
		require.Error(t, err)
	})

	t.Run("unique_ids", func(t *testing.T) {
		t.Parallel()
		p := Payload{Metadata: Metadata{FrameRate: 30, TotalFrames: 60}}
		a, err := NewSession("a", p)
		require.NoError(t, err)
		b, err := NewSession("b", p)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})
}
