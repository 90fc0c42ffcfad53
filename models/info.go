package models

import (
	"encoding/json"
	"fmt"
)

// Known keys of the node info map.
const (
	InfoPingSecret    = "ping_secret"
	InfoEC2InstanceID = "ec2_instance_id"
	InfoSlurmState    = "slurm_state"
)

// Known capacity property keys.
const (
	PropTotalCPUCores  = "total_cpu_cores"
	PropTotalRAMMB     = "total_ram_mb"
	PropTotalScratchMB = "total_scratch_mb"
)

// NodeInfo holds the string facts attached to a node. The known keys are
// typed fields; anything else is kept in Extra so records written by newer
// components survive a round trip. On the wire it is a flat JSON object.
type NodeInfo struct {
	PingSecret    string
	EC2InstanceID string
	SlurmState    string
	Extra         map[string]string
}

// MarshalJSON flattens the known fields and Extra into one object.
func (i NodeInfo) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(i.Extra)+3)
	for k, v := range i.Extra {
		m[k] = v
	}
	if i.PingSecret != "" {
		m[InfoPingSecret] = i.PingSecret
	}
	if i.EC2InstanceID != "" {
		m[InfoEC2InstanceID] = i.EC2InstanceID
	}
	if i.SlurmState != "" {
		m[InfoSlurmState] = i.SlurmState
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits a flat object into known fields and Extra.
// Non-string values are rejected.
func (i *NodeInfo) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("node info: %w", err)
	}
	*i = NodeInfo{}
	for k, v := range m {
		switch k {
		case InfoPingSecret:
			i.PingSecret = v
		case InfoEC2InstanceID:
			i.EC2InstanceID = v
		case InfoSlurmState:
			i.SlurmState = v
		default:
			if i.Extra == nil {
				i.Extra = make(map[string]string)
			}
			i.Extra[k] = v
		}
	}
	return nil
}

// Clone returns a deep copy.
func (i NodeInfo) Clone() NodeInfo {
	c := i
	if i.Extra != nil {
		c.Extra = make(map[string]string, len(i.Extra))
		for k, v := range i.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// NodeProperties holds the capacity facts reported by the most recent ping.
// A nil field means the last ping did not report it.
type NodeProperties struct {
	TotalCPUCores  *int64
	TotalRAMMB     *int64
	TotalScratchMB *int64
	Extra          map[string]int64
}

// Get returns the value of a known capacity key.
func (p *NodeProperties) Get(key string) (int64, bool) {
	f := p.field(key)
	if f == nil || *f == nil {
		return 0, false
	}
	return **f, true
}

// Set stores a value for a known capacity key. Unknown keys go to Extra.
func (p *NodeProperties) Set(key string, v int64) {
	if f := p.field(key); f != nil {
		*f = &v
		return
	}
	if p.Extra == nil {
		p.Extra = make(map[string]int64)
	}
	p.Extra[key] = v
}

// Delete removes a capacity key.
func (p *NodeProperties) Delete(key string) {
	if f := p.field(key); f != nil {
		*f = nil
		return
	}
	delete(p.Extra, key)
}

func (p *NodeProperties) field(key string) **int64 {
	switch key {
	case PropTotalCPUCores:
		return &p.TotalCPUCores
	case PropTotalRAMMB:
		return &p.TotalRAMMB
	case PropTotalScratchMB:
		return &p.TotalScratchMB
	}
	return nil
}

// MarshalJSON flattens the properties into one object, omitting unset keys.
func (p NodeProperties) MarshalJSON() ([]byte, error) {
	m := make(map[string]int64, len(p.Extra)+3)
	for k, v := range p.Extra {
		m[k] = v
	}
	for _, key := range []string{PropTotalCPUCores, PropTotalRAMMB, PropTotalScratchMB} {
		if v, ok := p.Get(key); ok {
			m[key] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads a flat object of integers.
func (p *NodeProperties) UnmarshalJSON(data []byte) error {
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("node properties: %w", err)
	}
	*p = NodeProperties{}
	for k, v := range m {
		p.Set(k, v)
	}
	return nil
}

// Clone returns a deep copy.
func (p NodeProperties) Clone() NodeProperties {
	var c NodeProperties
	for _, key := range []string{PropTotalCPUCores, PropTotalRAMMB, PropTotalScratchMB} {
		if v, ok := p.Get(key); ok {
			c.Set(key, v)
		}
	}
	for k, v := range p.Extra {
		c.Set(k, v)
	}
	return c
}
