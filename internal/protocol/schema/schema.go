package schema

import (
	"fmt"

	"github.com/danmuck/kernelmesh/internal/logging"
	"github.com/danmuck/kernelmesh/internal/protocol/tlv"
)

// Field IDs of the kernel base section.
const (
	FieldID            uint16 = 1
	FieldParentID      uint16 = 2
	FieldPrincipalID   uint16 = 3
	FieldCarriesParent uint16 = 4
	FieldResult        uint16 = 5
	FieldSource        uint16 = 6
	FieldDestination   uint16 = 7
)

type Requirement struct {
	ID       uint16
	Type     uint8
	Optional bool
}

type ValidationError struct {
	TypeID  uint16
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: type_id=%d: %s", e.TypeID, e.Reason)
	}
	return fmt.Sprintf("schema: type_id=%d field=%d: %s", e.TypeID, e.FieldID, e.Reason)
}

var baseRequirements = []Requirement{
	{FieldID, tlv.TypeU64, true},
	{FieldParentID, tlv.TypeU64, true},
	{FieldPrincipalID, tlv.TypeU64, true},
	{FieldCarriesParent, tlv.TypeBool, false},
	{FieldResult, tlv.TypeU16, false},
	{FieldSource, tlv.TypeBytes, true},
	{FieldDestination, tlv.TypeBytes, true},
}

// ValidateBase enforces required base fields and the types of every known
// field. Unknown fields are ignored.
func ValidateBase(typeID uint16, fields []tlv.Field) error {
	logging.Tracef("schema.ValidateBase type_id=%d fields=%d", typeID, len(fields))
	if typeID == 0 {
		return ValidationError{TypeID: typeID, Reason: "invalid type id"}
	}
	for _, req := range baseRequirements {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			if req.Optional {
				continue
			}
			logging.Errorf("schema.ValidateBase missing field type_id=%d field_id=%d", typeID, req.ID)
			return ValidationError{TypeID: typeID, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			logging.Errorf(
				"schema.ValidateBase type mismatch type_id=%d field_id=%d got=%d want=%d",
				typeID,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{TypeID: typeID, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
