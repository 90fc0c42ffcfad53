package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeInfo_FlatJSON(t *testing.T) {
	raw := `{"ping_secret":"abc","ec2_instance_id":"i-123","slurm_state":"idle","zone":"us-east-1a"}`

	var info NodeInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	assert.Equal(t, "abc", info.PingSecret)
	assert.Equal(t, "i-123", info.EC2InstanceID)
	assert.Equal(t, "idle", info.SlurmState)
	assert.Equal(t, map[string]string{"zone": "us-east-1a"}, info.Extra)

	out, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestNodeInfo_RejectsNonString(t *testing.T) {
	var info NodeInfo
	assert.Error(t, json.Unmarshal([]byte(`{"ping_secret":42}`), &info))
}

func TestNodeProperties_SetDelete(t *testing.T) {
	var p NodeProperties
	p.Set(PropTotalCPUCores, 4)
	p.Set("gpu_count", 2)

	v, ok := p.Get(PropTotalCPUCores)
	assert.True(t, ok)
	assert.Equal(t, int64(4), v)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_cpu_cores":4,"gpu_count":2}`, string(out))

	p.Delete(PropTotalCPUCores)
	_, ok = p.Get(PropTotalCPUCores)
	assert.False(t, ok)

	out, err = json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"gpu_count":2}`, string(out))
}

func TestNode_CloneIsDeep(t *testing.T) {
	n := &Node{
		IPAddress:  StringPtr("10.0.0.1"),
		SlotNumber: IntPtr(3),
		Info:       NodeInfo{Extra: map[string]string{"a": "b"}},
	}
	n.Properties.Set(PropTotalRAMMB, 1024)

	c := n.Clone()
	*c.IPAddress = "10.0.0.2"
	*c.SlotNumber = 4
	c.Info.Extra["a"] = "c"
	c.Properties.Set(PropTotalRAMMB, 2048)

	assert.Equal(t, "10.0.0.1", *n.IPAddress)
	assert.Equal(t, 3, *n.SlotNumber)
	assert.Equal(t, "b", n.Info.Extra["a"])
	v, _ := n.Properties.Get(PropTotalRAMMB)
	assert.Equal(t, int64(1024), v)
}

func TestFlexInt_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"integer", `4`, 4, false},
		{"fraction truncated", `7.9`, 7, false},
		{"numeric string", `"16"`, 16, false},
		{"string with suffix", `"512MB"`, 512, false},
		{"non numeric string", `"n/a"`, 0, false},
		{"negative string", `"-3"`, -3, false},
		{"boolean", `true`, 0, true},
		{"exponent", `1e3`, 1000, false},
		{"float beyond int64", `1e30`, 0, true},
		{"negative float beyond int64", `-1e30`, 0, true},
		{"integer beyond int64", `99999999999999999999`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FlexInt
			err := json.Unmarshal([]byte(tt.input), &f)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Int64())
		})
	}
}

func TestPingRequest_OmittedCapacityIsNil(t *testing.T) {
	var req PingRequest
	require.NoError(t, json.Unmarshal([]byte(`{"ip":"10.0.0.5","ping_secret":"x","total_ram_mb":"2048"}`), &req))

	caps := req.Capacity()
	assert.Nil(t, caps[PropTotalCPUCores])
	require.NotNil(t, caps[PropTotalRAMMB])
	assert.Equal(t, int64(2048), caps[PropTotalRAMMB].Int64())
}
