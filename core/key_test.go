package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCorrelationKey(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want CorrelationKey
	}{
		{"ship and service", Identity{ShipID: "ship-1", DeviceID: "dev-9", Service: "engine"}, "ship=ship-1|svc=engine"},
		{"service missing uses device", Identity{ShipID: "ship-1", DeviceID: "dev-9"}, "ship=ship-1|dev=dev-9"},
		{"ship missing", Identity{Service: "engine"}, "ship=~noship~|svc=engine"},
		{"device and service missing", Identity{ShipID: "ship-1"}, "ship=ship-1|dev=~nodev~"},
		{"everything missing", Identity{}, "ship=~noship~|dev=~nodev~"},
		{"whitespace counts as missing", Identity{ShipID: "  ", Service: "\t"}, "ship=~noship~|dev=~nodev~"},
		{"separator escaped", Identity{ShipID: "a|svc=b", Service: "c"}, "ship=a%7Csvc=b|svc=c"},
		{"escape character escaped", Identity{ShipID: "a%7Cb", Service: "c"}, "ship=a%257Cb|svc=c"},
		{"sentinel-like value escaped", Identity{ShipID: KeyNoShip, Service: "c"}, "ship=%7Enoship%7E|svc=c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewCorrelationKey(tt.id)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, got.String())
		})
	}
}

func TestNewCorrelationKey_NeverEmpty(t *testing.T) {
	values := []string{"", " ", "x"}
	for _, ship := range values {
		for _, dev := range values {
			for _, svc := range values {
				key := NewCorrelationKey(Identity{ShipID: ship, DeviceID: dev, Service: svc})
				assert.NotEmpty(t, key, "ship=%q dev=%q svc=%q", ship, dev, svc)
			}
		}
	}
}

func TestNewCorrelationKey_DistinctValuesDoNotCollide(t *testing.T) {
	pairs := []struct {
		name string
		a, b Identity
	}{
		{"separator vs its encoding", Identity{ShipID: "a|b", Service: "c"}, Identity{ShipID: "a%7Cb", Service: "c"}},
		{"literal ship sentinel vs missing ship", Identity{ShipID: KeyNoShip, Service: "c"}, Identity{Service: "c"}},
		{"literal device sentinel vs missing device", Identity{ShipID: "s", DeviceID: KeyNoDevice}, Identity{ShipID: "s"}},
	}

	for _, tt := range pairs {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, NewCorrelationKey(tt.a), NewCorrelationKey(tt.b))
		})
	}
}

func TestEnrichedEvent_KeyIgnoresPlaceholderService(t *testing.T) {
	ev := &EnrichedEvent{
		Event: &AnomalyEvent{},
		Resolution: Resolution{
			Identity: Identity{ShipID: "ship-1", DeviceID: "dev-1", Service: "unknown-host-7"},
			FieldSources: map[string]SourceTag{
				FieldShipID:   SourceTopLevel,
				FieldDeviceID: SourceTopLevel,
				FieldService:  SourcePlaceholder,
			},
		},
	}
	assert.Equal(t, CorrelationKey("ship=ship-1|dev=dev-1"), ev.Key())

	ev.Resolution.FieldSources[FieldService] = SourceRegistry
	assert.Equal(t, CorrelationKey("ship=ship-1|svc=unknown-host-7"), ev.Key())
}
