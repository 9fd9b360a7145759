package core

import "strings"

// Sentinel tokens used in correlation keys for missing components.
const (
	KeyNoShip    = "~noship~"
	KeyNoService = "~nosvc~"
	KeyNoDevice  = "~nodev~"
)

// CorrelationKey groups events that belong to the same incident. It is never empty.
type CorrelationKey string

func (k CorrelationKey) String() string { return string(k) }

// NewCorrelationKey builds the key from ship_id and service, using device_id
// when service is missing. Missing components are replaced by sentinel tokens
// so different absent-field combinations never collide with real values.
func NewCorrelationKey(id Identity) CorrelationKey {
	var b strings.Builder
	b.WriteString("ship=")
	b.WriteString(keyPart(id.ShipID, KeyNoShip))

	service := strings.TrimSpace(id.Service)
	if service != "" {
		b.WriteString("|svc=")
		b.WriteString(keyPart(service, KeyNoService))
		return CorrelationKey(b.String())
	}

	b.WriteString("|dev=")
	b.WriteString(keyPart(id.DeviceID, KeyNoDevice))
	return CorrelationKey(b.String())
}

// keyEscaper percent-encodes the component separator, the sentinel delimiter
// and the escape character itself, so distinct values map to distinct parts.
var keyEscaper = strings.NewReplacer("%", "%25", "|", "%7C", "~", "%7E")

func keyPart(v, sentinel string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return sentinel
	}
	return keyEscaper.Replace(v)
}
