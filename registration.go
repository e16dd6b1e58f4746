package quicapi

import "github.com/cloudflare/quicapi/handle"

// Registration is the opaque top-level object every connection is opened
// against. Registration/configuration/listener construction is out of
// this module's scope (spec §1 "referenced only via their interfaces");
// this type exists only so ConnectionOpen has a real KindRegistration
// handle to validate against, matching scenario 2's "bad handle type
// rejected" test.
type Registration struct {
	Name string
}

// NewRegistration wraps a Registration in a KindRegistration handle.
func NewRegistration(name string) *handle.Handle {
	return handle.New(handle.KindRegistration, &Registration{Name: name})
}
