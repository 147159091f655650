package internal

// IDTokenSubject is the opaque value carried in an ID token's "sub" claim:
// which connector authenticated the user, and that connector's own user ID
// (spec.md §4.6, the "sub" claim). Previously a protobuf message generated
// from internal.proto; redefined as a plain struct since the generated
// source was never part of this tree (see DESIGN.md).
type IDTokenSubject struct {
	UserId string `json:"user_id"`
	ConnId string `json:"conn_id"`
}

// RefreshToken is the opaque value returned to clients as the OAuth2
// refresh_token: which storage.RefreshToken record it names, and the
// current secret to present back on redemption (spec.md §4.7).
type RefreshToken struct {
	RefreshId string `json:"refresh_id"`
	Token     string `json:"token"`
}
