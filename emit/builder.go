package emit

import (
	"strings"

	"lookout/core"
)

// Builder derives the incident type for new incidents.
type Builder struct {
	types       map[string]string
	defaultType string
}

// NewBuilder creates a builder. Category keys are matched case-insensitively.
// An empty defaultType falls back to core.DefaultIncidentType.
func NewBuilder(incidentTypes map[string]string, defaultType string) *Builder {
	types := make(map[string]string, len(incidentTypes))
	for category, incidentType := range incidentTypes {
		if t := strings.TrimSpace(incidentType); t != "" {
			types[strings.ToLower(strings.TrimSpace(category))] = t
		}
	}
	if strings.TrimSpace(defaultType) == "" {
		defaultType = core.DefaultIncidentType
	}
	return &Builder{types: types, defaultType: defaultType}
}

// DefaultType returns the type used when nothing else applies.
func (b *Builder) DefaultType() string { return b.defaultType }

// IncidentType returns, in order: the mapped producer category, the
// producer kind for specialised producers, or the default. It is never empty.
func (b *Builder) IncidentType(ev *core.AnomalyEvent) string {
	if category := strings.ToLower(strings.TrimSpace(ev.Category)); category != "" {
		if t, ok := b.types[category]; ok {
			return t
		}
	}
	switch ev.Kind {
	case core.EventKindMetric, core.EventKindLog, core.EventKindNetwork:
		return string(ev.Kind)
	}
	return b.defaultType
}
