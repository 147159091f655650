package condition

import (
	"encoding/json"
	"net"
)

// cidr matches iff the context IP parses and lies within every listed
// network; an empty list never matches (spec.md §4.1).
type cidr struct {
	CIDR []string `json:"cidr"`

	nets []*net.IPNet
}

func newCIDR(options json.RawMessage) (Condition, error) {
	var c cidr
	if err := json.Unmarshal(options, &c); err != nil {
		return nil, err
	}
	for _, raw := range c.CIDR {
		if _, n, err := net.ParseCIDR(raw); err == nil {
			c.nets = append(c.nets, n)
		}
	}
	return &c, nil
}

func (c *cidr) Evaluate(value json.RawMessage, _ Request) bool {
	v, ok := rawString(value)
	if !ok || len(c.nets) == 0 {
		return false
	}
	ip := net.ParseIP(v)
	if ip == nil {
		return false
	}
	for _, n := range c.nets {
		if !n.Contains(ip) {
			return false
		}
	}
	return true
}
