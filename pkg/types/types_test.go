package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestGroupStateTransitions(t *testing.T) {
	tests := []struct {
		from, to GroupState
		allowed  bool
	}{
		{GroupEmpty, GroupStarting, true},
		{GroupStarting, GroupReady, true},
		{GroupStarting, GroupFailed, true},
		{GroupReady, GroupDraining, true},
		{GroupReady, GroupFailed, true},
		{GroupDraining, GroupStopped, true},
		{GroupFailed, GroupDraining, true},
		{GroupReady, GroupStarting, false},
		{GroupStopped, GroupStarting, false},
		{GroupDraining, GroupReady, false},
		{GroupEmpty, GroupReady, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestGroupStateRoutable(t *testing.T) {
	assert.True(t, GroupReady.Routable())
	assert.True(t, GroupDraining.Routable())
	assert.False(t, GroupStarting.Routable())
	assert.False(t, GroupFailed.Routable())
	assert.True(t, GroupStopped.Terminal())
}

func TestDurationYAML(t *testing.T) {
	var spec ProcessGroupSpec
	err := yaml.Unmarshal([]byte("name: app\nstart_timeout: 15s\ndrain_timeout: 1m30s\n"), &spec)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, spec.StartTimeout.Std())
	assert.Equal(t, 90*time.Second, spec.DrainTimeout.Std())
	assert.Equal(t, 10*time.Second, spec.StopTimeout.Or(10*time.Second))
}

func TestDurationYAMLInvalid(t *testing.T) {
	var spec ProcessGroupSpec
	err := yaml.Unmarshal([]byte("start_timeout: soon\n"), &spec)
	assert.Error(t, err)
}

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(HealthCheck{Type: HealthCheckHTTP, Interval: Duration(2 * time.Second)})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"interval":"2s"`)

	var hc HealthCheck
	require.NoError(t, json.Unmarshal(data, &hc))
	assert.Equal(t, 2*time.Second, hc.Interval.Std())

	require.NoError(t, json.Unmarshal([]byte(`{"timeout":1000000000}`), &hc))
	assert.Equal(t, time.Second, hc.Timeout.Std())
}
