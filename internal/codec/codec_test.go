package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/aggregator/internal/model"
)

func TestEncodeDecode_LifecycleEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	in := model.LifecycleEvent{
		Info:      model.EventInfo{Timestamp: ts, Hostname: "h1", ExperimentName: "exp"},
		Type:      model.LifecycleActivated,
		Component: &model.ComponentRef{ID: "c-1", Name: "comp", Type: "Comp"},
		Port:      &model.PortRef{Name: "p1"},
	}

	data, err := Encode(model.TypeModelLifecycle, in)
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, model.TypeModelLifecycle, env.Type)

	var out model.LifecycleEvent
	require.NoError(t, Decode(env, &out))
	assert.True(t, ts.Equal(out.Info.Timestamp))
	assert.Equal(t, "Comp", out.Component.Type)
	require.NotNil(t, out.Port)
	assert.Equal(t, "p1", out.Port.Name)
}

func TestDecodeEnvelope_Garbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xff, 0x00, 0x13})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeEnvelope_MissingType(t *testing.T) {
	data, err := Encode("", model.InfoEvent{})
	require.NoError(t, err)

	_, err = DecodeEnvelope(data)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "no type")
}

func TestDecode_ValidationFailure(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		in   any
		out  any
	}{
		{
			name: "status without hostname",
			tag:  model.TypeSystemStatus,
			in:   model.StatusEvent{Timestamp: time.Now()},
			out:  &model.StatusEvent{},
		},
		{
			name: "lifecycle without component",
			tag:  model.TypeModelLifecycle,
			in: model.LifecycleEvent{
				Info: model.EventInfo{Timestamp: time.Now(), ExperimentName: "exp"},
				Type: model.LifecycleActivated,
			},
			out: &model.LifecycleEvent{},
		},
		{
			name: "logger with unknown kind",
			tag:  model.TypeControlMessage,
			in: model.ControlMessage{
				Type: model.ControlConfigure, ExperimentName: "exp", Timestamp: time.Now(),
				Nodes: []model.Node{{
					Info: model.EntityInfo{Name: "h1"}, Kind: model.NodeHardware,
					Containers: []model.Container{{
						Info:    model.EntityInfo{Name: "c1"},
						Loggers: []model.Logger{{Kind: "AUDIT", Endpoint: "x"}},
					}},
				}},
			},
			out: &model.ControlMessage{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.tag, tt.in)
			require.NoError(t, err)
			env, err := DecodeEnvelope(data)
			require.NoError(t, err)

			err = Decode(env, tt.out)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Contains(t, err.Error(), "validation error")
		})
	}
}

func TestDecode_WrongPayloadShape(t *testing.T) {
	data, err := Encode(model.TypeSystemInfo, []string{"not", "a", "struct"})
	require.NoError(t, err)
	env, err := DecodeEnvelope(data)
	require.NoError(t, err)

	err = Decode(env, &model.InfoEvent{})
	assert.ErrorIs(t, err, ErrMalformed)
}
