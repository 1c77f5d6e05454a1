package record

import (
	"fmt"

	"github.com/danielgtaylor/huma/v2"
)

// EntityType identifies a locally cached table synchronized with the server.
type EntityType string

const (
	EntityChat            EntityType = "chat"
	EntitySituationReport EntityType = "situation_report"
	EntityEODReport       EntityType = "eod_report"
	EntityMarkupFeature   EntityType = "markup_feature"
	EntityDeviceTrack     EntityType = "device_track"
)

// AllEntityTypes returns every synchronized type in pull order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityChat,
		EntitySituationReport,
		EntityEODReport,
		EntityMarkupFeature,
		EntityDeviceTrack,
	}
}

func (EntityType) Schema(_ huma.Registry) *huma.Schema {
	return &huma.Schema{
		Type: "string",
		Enum: []any{
			string(EntityChat),
			string(EntitySituationReport),
			string(EntityEODReport),
			string(EntityMarkupFeature),
			string(EntityDeviceTrack),
		},
		Description: "Synchronized entity type",
		Examples:    []any{EntityEODReport},
	}
}

// Validate rejects types the sync core does not know.
func (t EntityType) Validate() error {
	switch t {
	case EntityChat, EntitySituationReport, EntityEODReport, EntityMarkupFeature, EntityDeviceTrack:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownType, t)
}

func (t EntityType) String() string {
	return string(t)
}

// DisplayName returns a human readable name for CLI output.
func (t EntityType) DisplayName() string {
	switch t {
	case EntityChat:
		return "Chat message"
	case EntitySituationReport:
		return "Situation report"
	case EntityEODReport:
		return "EOD report"
	case EntityMarkupFeature:
		return "Map markup feature"
	case EntityDeviceTrack:
		return "Device track"
	default:
		return "Unknown type"
	}
}

// DomainKeyField names the payload field that carries the caller-meaningful identity,
// or "" when the type is matched by remote id only.
func (t EntityType) DomainKeyField() string {
	switch t {
	case EntitySituationReport, EntityEODReport:
		return "form_id"
	case EntityMarkupFeature:
		return "feature_id"
	default:
		return ""
	}
}

// HasDomainKey reports whether rows of this type are matched by domain key.
func (t EntityType) HasDomainKey() bool {
	return t.DomainKeyField() != ""
}

// EchoesLocally reports whether the type shows an optimistic local echo (SENT)
// before the server round-trip completes.
func (t EntityType) EchoesLocally() bool {
	return t == EntityChat
}
