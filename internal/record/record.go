// Package record defines the typed entries persisted one per line in record stores.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is the contract every stored entry satisfies. The processing engine only
// needs the identity and the pagination marker; everything else is payload.
type Record interface {
	Identity() ID
	PageMarker() string
}

// ID is a record identity. The zero value is "unassigned", which is how a line
// without an "id" key (or with "id": null) decodes.
type ID struct {
	value int64
	set   bool
}

// Known returns an assigned identity.
func Known(v int64) ID {
	return ID{value: v, set: true}
}

// Value returns the numeric identity and whether it has been assigned.
func (id ID) Value() (int64, bool) {
	return id.value, id.set
}

// IsSet reports whether the identity has been assigned.
func (id ID) IsSet() bool {
	return id.set
}

func (id ID) String() string {
	if !id.set {
		return "<none>"
	}
	return strconv.FormatInt(id.value, 10)
}

// MarshalJSON encodes an unassigned identity as null.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.set {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, id.value, 10), nil
}

// UnmarshalJSON accepts an integer or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("record id: %w", err)
	}
	*id = Known(v)
	return nil
}

// Website is a site discovered by a search stage. Later stages fill in the
// policy link and the fingerprint of the downloaded policy page.
type Website struct {
	ID     ID      `json:"id"`
	Page   string  `json:"page,omitempty"`
	URL    string  `json:"url,omitempty"`
	Policy *string `json:"policy"`
	Hash   *string `json:"hash"`
}

// Identity implements Record.
func (w Website) Identity() ID { return w.ID }

// PageMarker implements Record.
func (w Website) PageMarker() string { return w.Page }

// Product is a marketplace listing discovered by keyword search.
type Product struct {
	ID           ID      `json:"id"`
	Page         string  `json:"page,omitempty"`
	URL          string  `json:"url,omitempty"`
	Keyword      string  `json:"keyword,omitempty"`
	Manufacturer *string `json:"manufacturer"`
	Website      *string `json:"website"`
	Policy       *string `json:"policy"`
	Hash         *string `json:"hash"`
}

// Identity implements Record.
func (p Product) Identity() ID { return p.ID }

// PageMarker implements Record.
func (p Product) PageMarker() string { return p.Page }

// Optional returns a pointer to v, or nil when ok is false.
func Optional(v string, ok bool) *string {
	if !ok {
		return nil
	}
	return &v
}

// Deref returns the pointed-to string or "".
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
