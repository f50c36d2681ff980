/*
factory.go - JSON to Go entitlement type conversion

JSON SCHEMA:
  {
    "entitlement_types": [
      {
        "id": "vacation",
        "name": "Vacation Leave",
        "kind": "leave",
        "balance_bearing": true,
        "requires_hr_approval": true,
        "default_entitlement": 15,
        "entitlements": {"probationary": 0},
        "max_request": 10
      },
      {
        "id": "overtime",
        "kind": "overtime",
        "conversion": {
          "enabled": true,
          "target_type_id": "compensatory",
          "standard_hours_per_day": 8,
          "rounding": "exact"
        }
      }
    ]
  }

  "unit" may be omitted; it defaults to days for leave and hours for overtime.
  "requires_hr_approval" defaults to true.
*/
package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/request"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type CatalogJSON struct {
	EntitlementTypes []EntitlementTypeJSON `json:"entitlement_types"`
}

type EntitlementTypeJSON struct {
	ID                 string                     `json:"id"`
	Name               string                     `json:"name"`
	Kind               string                     `json:"kind"`
	Unit               string                     `json:"unit,omitempty"`
	BalanceBearing     bool                       `json:"balance_bearing"`
	RequiresHRApproval *bool                      `json:"requires_hr_approval,omitempty"`
	DefaultEntitlement decimal.Decimal            `json:"default_entitlement"`
	Entitlements       map[string]decimal.Decimal `json:"entitlements,omitempty"`
	MaxRequest         *decimal.Decimal           `json:"max_request,omitempty"`
	Conversion         *ConversionJSON            `json:"conversion,omitempty"`
}

type ConversionJSON struct {
	Enabled             bool            `json:"enabled"`
	TargetTypeID        string          `json:"target_type_id"`
	StandardHoursPerDay decimal.Decimal `json:"standard_hours_per_day"`
	Rounding            string          `json:"rounding,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseCatalog parses a JSON catalog document and validates it.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	types := make([]EntitlementType, 0, len(cj.EntitlementTypes))
	for _, tj := range cj.EntitlementTypes {
		t, err := FromJSON(tj)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return NewCatalog(types...)
}

// LoadCatalog reads a catalog from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return ParseCatalog(data)
}

func FromJSON(tj EntitlementTypeJSON) (EntitlementType, error) {
	kind := request.Kind(tj.Kind)
	if !kind.Valid() {
		return EntitlementType{}, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidPolicy, tj.ID, tj.Kind)
	}
	t := EntitlementType{
		ID:                 tj.ID,
		Name:               tj.Name,
		Kind:               kind,
		Unit:               parseUnit(tj.Unit, kind),
		BalanceBearing:     tj.BalanceBearing,
		RequiresHRApproval: true,
		DefaultEntitlement: tj.DefaultEntitlement,
		MaxRequest:         tj.MaxRequest,
	}
	if tj.RequiresHRApproval != nil {
		t.RequiresHRApproval = *tj.RequiresHRApproval
	}
	if len(tj.Entitlements) > 0 {
		t.Entitlements = make(map[EmploymentStatus]decimal.Decimal, len(tj.Entitlements))
		for status, v := range tj.Entitlements {
			t.Entitlements[EmploymentStatus(status)] = v
		}
	}
	if cj := tj.Conversion; cj != nil {
		t.Conversion = &Conversion{
			Enabled:             cj.Enabled,
			TargetTypeID:        cj.TargetTypeID,
			StandardHoursPerDay: cj.StandardHoursPerDay,
			Rounding:            Rounding(cj.Rounding),
		}
		if t.Conversion.Rounding == "" {
			t.Conversion.Rounding = RoundExact
		}
	}
	return t, t.Validate()
}

// ToJSON converts an EntitlementType back to its JSON form.
func ToJSON(t EntitlementType) EntitlementTypeJSON {
	hr := t.RequiresHRApproval
	tj := EntitlementTypeJSON{
		ID:                 t.ID,
		Name:               t.Name,
		Kind:               string(t.Kind),
		Unit:               string(t.Unit),
		BalanceBearing:     t.BalanceBearing,
		RequiresHRApproval: &hr,
		DefaultEntitlement: t.DefaultEntitlement,
		MaxRequest:         t.MaxRequest,
	}
	if len(t.Entitlements) > 0 {
		tj.Entitlements = make(map[string]decimal.Decimal, len(t.Entitlements))
		for status, v := range t.Entitlements {
			tj.Entitlements[string(status)] = v
		}
	}
	if c := t.Conversion; c != nil {
		tj.Conversion = &ConversionJSON{
			Enabled:             c.Enabled,
			TargetTypeID:        c.TargetTypeID,
			StandardHoursPerDay: c.StandardHoursPerDay,
			Rounding:            string(c.Rounding),
		}
	}
	return tj
}

func parseUnit(s string, kind request.Kind) ledger.Unit {
	switch s {
	case "hours":
		return ledger.UnitHours
	case "days":
		return ledger.UnitDays
	default:
		return kind.Unit()
	}
}
