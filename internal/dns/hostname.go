package dns

import (
	"fmt"
	"strings"
)

// PlaceholderIP is published for slots that have no live node so that
// every expected hostname resolves.
const PlaceholderIP = "127.40.4.0"

// HostnameForSlot renders the hostname template for a slot number, e.g.
// "compute%<slot_number>d" gives "compute3" and "c%<slot_number>02d"
// gives "c03".
func HostnameForSlot(tmpl string, slot int) (string, error) {
	if tmpl == "" {
		return "", fmt.Errorf("hostname template is empty")
	}
	name, err := expand(tmpl, map[string]interface{}{"slot_number": slot})
	if err != nil {
		return "", fmt.Errorf("invalid hostname template: %w", err)
	}
	return name, nil
}

// PTRDomain returns the reverse lookup domain of a dotted IPv4 address:
// "10.0.0.5" gives "5.0.0.10.in-addr.arpa".
func PTRDomain(ip string) string {
	octets := strings.Split(ip, ".")
	for i, j := 0, len(octets)-1; i < j; i, j = i+1, j-1 {
		octets[i], octets[j] = octets[j], octets[i]
	}
	return strings.Join(octets, ".") + ".in-addr.arpa"
}

// TemplateVars returns the variables available to the config template
// and the update command.
func TemplateVars(hostname, ip, uuidPrefix string) map[string]interface{} {
	return map[string]interface{}{
		"hostname":    hostname,
		"uuid_prefix": uuidPrefix,
		"ip_address":  ip,
		"ptr_domain":  PTRDomain(ip),
	}
}
