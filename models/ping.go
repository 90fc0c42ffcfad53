package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PingRequest is the liveness report a compute node sends to the registry.
type PingRequest struct {
	// IP is the address the node is reachable at (required)
	IP string `json:"ip" validate:"required,ip"`

	// PingSecret authenticates the node (required)
	PingSecret string `json:"ping_secret" validate:"required"`

	// EC2InstanceID identifies the cloud instance behind the node (optional)
	EC2InstanceID string `json:"ec2_instance_id,omitempty"`

	TotalCPUCores  *FlexInt `json:"total_cpu_cores,omitempty"`
	TotalRAMMB     *FlexInt `json:"total_ram_mb,omitempty"`
	TotalScratchMB *FlexInt `json:"total_scratch_mb,omitempty"`
}

// Capacity returns the reported capacity values keyed by property name.
// Keys the ping did not report map to nil.
func (r *PingRequest) Capacity() map[string]*FlexInt {
	return map[string]*FlexInt{
		PropTotalCPUCores:  r.TotalCPUCores,
		PropTotalRAMMB:     r.TotalRAMMB,
		PropTotalScratchMB: r.TotalScratchMB,
	}
}

// FlexInt is an integer that also accepts numeric strings and fractional
// numbers on input. Strings are read up to the first non-digit, so "512MB"
// becomes 512 and "n/a" becomes 0; fractions are truncated.
type FlexInt int64

// Int64 returns the value as an int64.
func (f FlexInt) Int64() int64 {
	return int64(f)
}

// NewFlexInt returns a pointer to v as a FlexInt.
func NewFlexInt(v int64) *FlexInt {
	f := FlexInt(v)
	return &f
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexInt(leadingInt(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected integer, got %s", string(data))
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexInt(i)
		return nil
	}
	fl, err := n.Float64()
	if err != nil {
		return fmt.Errorf("expected integer, got %s", string(data))
	}
	// 2^63 is exactly representable; anything at or beyond it has no int64.
	fl = math.Trunc(fl)
	if fl < math.MinInt64 || fl >= -math.MinInt64 {
		return fmt.Errorf("expected integer, got %s", string(data))
	}
	*f = FlexInt(int64(fl))
	return nil
}

func leadingInt(s string) int64 {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}
	v, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
