// File: wire/augment.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Augmentation of a client's parsed JSON line before it is forwarded to
// the stratifier or generator peer, and the inverse
// transform the control loop applies to outbound sends addressed to a
// composite id.

package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/momentics/poolconnector/registry"
)

// ErrMissingClientID is returned when a passthrough client's message
// lacks the nested client_id the protocol requires.
var ErrMissingClientID = errors.New("wire: passthrough message missing client_id")

// ErrClientIDNotInteger is returned when client_id is present but not a
// JSON integer.
var ErrClientIDNotInteger = errors.New("wire: client_id is not an integer")

// Object is a parsed top-level JSON object kept as raw per-field slices
// so that re-serializing an untouched field never risks altering its
// representation (notably floating point numbers).
type Object map[string]json.RawMessage

// ParseObject decodes line as a single top-level JSON object. Any other
// shape (array, scalar, malformed) is reported as an error.
func ParseObject(line []byte) (Object, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("wire: not a JSON object")
	}
	var obj Object
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// AugmentSimple sets client_id/address/server on a non-passthrough
// client's message.
func (o Object) AugmentSimple(clientID int64, address string, server int) ([]byte, error) {
	o["client_id"] = rawInt(clientID)
	o["address"] = rawString(address)
	o["server"] = rawInt(int64(server))
	return o.marshal()
}

// AugmentPassthrough replaces the nested client_id with the composite
// (selfID<<32 | nested) id and sets server, omitting address.
func (o Object) AugmentPassthrough(selfID int64, server int) ([]byte, error) {
	nested, ok := o["client_id"]
	if !ok {
		return nil, ErrMissingClientID
	}
	sub, err := parseRawInt(nested)
	if err != nil {
		return nil, ErrClientIDNotInteger
	}
	composite := registry.Composite(registry.ID(selfID), uint32(sub))
	o["client_id"] = rawInt(int64(composite))
	o["server"] = rawInt(int64(server))
	delete(o, "address")
	return o.marshal()
}

// RestoreSubID replaces a composite client_id field with just its lower
// 32 bits, as the control loop does before a control-originated message
// is written to a passthrough sub-client.
func (o Object) RestoreSubID(sub uint32) ([]byte, error) {
	o["client_id"] = rawInt(int64(sub))
	return o.marshal()
}

// ExtractClientID extracts and removes the client_id field, returning its
// integer value. Used by the control loop's send dispatch.
func (o Object) ExtractClientID() (int64, bool) {
	raw, ok := o["client_id"]
	if !ok {
		return 0, false
	}
	v, err := parseRawInt(raw)
	if err != nil {
		return 0, false
	}
	delete(o, "client_id")
	return v, true
}

func (o Object) marshal() ([]byte, error) {
	return json.Marshal(o)
}

func rawInt(v int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(v, 10))
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return json.RawMessage(b)
}

func parseRawInt(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n.Int64()
}
