package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ALIGN/internal/errors"
	"github.com/copyleftdev/ALIGN/internal/protocol"
)

func valid() Settings {
	return Settings{
		Start:   protocol.Position{X: 16, Y: -26},
		XMin:    18.5,
		XMax:    29.5,
		YMin:    -36.5,
		YMax:    -25.5,
		SigXMin: 0.0005,
		SigYMin: 0.0005,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		ok     bool
	}{
		{"valid", func(*Settings) {}, true},
		{"x bounds inverted", func(s *Settings) { s.XMin, s.XMax = s.XMax, s.XMin }, false},
		{"y bounds inverted", func(s *Settings) { s.YMin, s.YMax = s.YMax, s.YMin }, false},
		{"zero sig_x_min", func(s *Settings) { s.SigXMin = 0 }, false},
		{"negative sig_y_min", func(s *Settings) { s.SigYMin = -1 }, false},
		{"degenerate equal bounds", func(s *Settings) { s.XMax = s.XMin }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := s.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsInvalidSettings(err))
			}
		})
	}
}

func TestClamp(t *testing.T) {
	s := valid()
	assert.Equal(t, protocol.Position{X: 18.5, Y: -25.5}, s.Clamp(protocol.Position{X: 0, Y: 0}))
	assert.Equal(t, protocol.Position{X: 29.5, Y: -36.5}, s.Clamp(protocol.Position{X: 100, Y: -100}))
	inside := protocol.Position{X: 20, Y: -30}
	assert.Equal(t, inside, s.Clamp(inside))
}

func TestStoreRejectsInvalidInitial(t *testing.T) {
	bad := valid()
	bad.SigXMin = 0
	_, err := NewStore(bad)
	require.Error(t, err)
}

func TestStoreApplyMergesPartialUpdate(t *testing.T) {
	st, err := NewStore(valid())
	require.NoError(t, err)

	x := 19.0
	require.NoError(t, st.Apply(protocol.SettingUpdate{StartX: &x}))

	snap := st.Snapshot()
	assert.Equal(t, 19.0, snap.Start.X)
	assert.Equal(t, -26.0, snap.Start.Y, "absent fields keep their prior value")
	assert.Equal(t, 29.5, snap.XMax)
}

func TestStoreApplyRetainsPriorOnRejection(t *testing.T) {
	st, err := NewStore(valid())
	require.NoError(t, err)

	badMin := 40.0
	err = st.Apply(protocol.SettingUpdate{XMin: &badMin})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidSettings(err))

	snap := st.Snapshot()
	assert.Equal(t, 18.5, snap.XMin, "rejected update must not leak partial state")
}
