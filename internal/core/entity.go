package core

import "fmt"

// EntityRef is a concrete address for error payloads, WAL mutations, and the
// search layer: branch + primitive kind + identifying bytes.
type EntityRef struct {
	Branch BranchID
	Kind   TypeTag
	ID     []byte
}

// Ref builds an EntityRef with a string identifier.
func Ref(branch BranchID, kind TypeTag, id string) EntityRef {
	return EntityRef{Branch: branch, Kind: kind, ID: []byte(id)}
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%s/%q", r.Branch, r.Kind, r.ID)
}
