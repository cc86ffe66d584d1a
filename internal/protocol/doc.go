// Package protocol owns the hub bus wire contract.
//
// Ownership boundary:
// - request/response JSON envelopes and their classes
// - initialValues entry shapes for the places and devices topics
// - the pending request table used for response correlation
package protocol
