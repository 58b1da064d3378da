package models

import (
	"fmt"

	dErrors "dimona/pkg/domain-errors"
)

// OwnerRef points at the domain record that requested declarations: a
// contract, an assignment, any type that can describe the period it needs.
type OwnerRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (o OwnerRef) String() string {
	return o.Type + ":" + o.ID
}

func (o OwnerRef) IsZero() bool {
	return o.Type == "" && o.ID == ""
}

// Validate requires both parts.
func (o OwnerRef) Validate() error {
	if o.Type == "" || o.ID == "" {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("owner reference %q needs type and id", o.String()))
	}
	return nil
}
