package ledger

import (
	"encoding/json"
	"strconv"

	"github.com/mr-tron/base58"

	"github.com/ahwlsqja/ledgerpool/fault"
)

// NYM roles.
const (
	RoleTrustee     = "0"
	RoleSteward     = "2"
	RoleTrustAnchor = "101"
)

// ValidateDID checks a DID is base58 of a 16-byte identifier or a 32-byte key.
func ValidateDID(did string) error {
	raw, err := base58.Decode(did)
	if err != nil || did == "" {
		return fault.InvalidStructure("DID %q is not base58", did)
	}
	if len(raw) != 16 && len(raw) != 32 {
		return fault.InvalidStructure("DID %q decodes to %d bytes", did, len(raw))
	}
	return nil
}

func build(submitter, txnType string, op map[string]interface{}) ([]byte, error) {
	if err := ValidateDID(submitter); err != nil {
		return nil, err
	}
	op["type"] = txnType
	return json.Marshal(&Request{
		ReqID:      NextReqID(),
		Identifier: submitter,
		Operation:  op,
	})
}

// checkJSON verifies data is a JSON document and returns it unparsed.
func checkJSON(name, data string) (json.RawMessage, error) {
	if !json.Valid([]byte(data)) {
		return nil, fault.InvalidStructure("%s is not valid JSON", name)
	}
	return json.RawMessage(data), nil
}

// BuildNymRequest creates or updates a NYM. Empty optional fields are omitted.
func BuildNymRequest(submitter, target, verkey, alias, role string) ([]byte, error) {
	if err := ValidateDID(target); err != nil {
		return nil, err
	}
	switch role {
	case "", RoleTrustee, RoleSteward, RoleTrustAnchor:
	default:
		return nil, fault.InvalidStructure("unknown NYM role %q", role)
	}
	op := map[string]interface{}{"dest": target}
	if verkey != "" {
		op["verkey"] = verkey
	}
	if alias != "" {
		op["alias"] = alias
	}
	if role != "" {
		op["role"] = role
	}
	return build(submitter, TypeNym, op)
}

// BuildGetNymRequest queries a NYM.
func BuildGetNymRequest(submitter, target string) ([]byte, error) {
	if err := ValidateDID(target); err != nil {
		return nil, err
	}
	return build(submitter, TypeGetNym, map[string]interface{}{"dest": target})
}

// BuildAttribRequest adds an attribute; exactly one of hash, raw and enc is required.
func BuildAttribRequest(submitter, target, hash, raw, enc string) ([]byte, error) {
	if err := ValidateDID(target); err != nil {
		return nil, err
	}
	op := map[string]interface{}{"dest": target}
	set := 0
	if hash != "" {
		op["hash"] = hash
		set++
	}
	if raw != "" {
		if _, err := checkJSON("raw", raw); err != nil {
			return nil, err
		}
		op["raw"] = raw
		set++
	}
	if enc != "" {
		op["enc"] = enc
		set++
	}
	if set != 1 {
		return nil, fault.InvalidStructure("ATTRIB needs exactly one of hash, raw or enc")
	}
	return build(submitter, TypeAttrib, op)
}

// BuildGetAttribRequest queries an attribute by name.
func BuildGetAttribRequest(submitter, target, name string) ([]byte, error) {
	if err := ValidateDID(target); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fault.InvalidStructure("attribute name is required")
	}
	return build(submitter, TypeGetAttr, map[string]interface{}{"dest": target, "raw": name})
}

// BuildSchemaRequest publishes a schema given as JSON.
func BuildSchemaRequest(submitter, data string) ([]byte, error) {
	body, err := checkJSON("schema data", data)
	if err != nil {
		return nil, err
	}
	return build(submitter, TypeSchema, map[string]interface{}{"data": body})
}

// BuildGetSchemaRequest queries a schema by its issuer and name/version JSON.
func BuildGetSchemaRequest(submitter, dest, data string) ([]byte, error) {
	if err := ValidateDID(dest); err != nil {
		return nil, err
	}
	body, err := checkJSON("schema key", data)
	if err != nil {
		return nil, err
	}
	return build(submitter, TypeGetSchema, map[string]interface{}{"dest": dest, "data": body})
}

// BuildClaimDefRequest publishes a claim definition for the schema with seq number ref.
func BuildClaimDefRequest(submitter string, ref int, signatureType, data string) ([]byte, error) {
	body, err := checkJSON("claim definition data", data)
	if err != nil {
		return nil, err
	}
	if signatureType == "" {
		return nil, fault.InvalidStructure("signature type is required")
	}
	return build(submitter, TypeClaimDef, map[string]interface{}{
		"ref":            ref,
		"signature_type": signatureType,
		"data":           body,
	})
}

// BuildGetClaimDefRequest queries a claim definition.
func BuildGetClaimDefRequest(submitter string, ref int, signatureType, origin string) ([]byte, error) {
	if err := ValidateDID(origin); err != nil {
		return nil, err
	}
	return build(submitter, TypeGetClaimDef, map[string]interface{}{
		"ref":            ref,
		"signature_type": signatureType,
		"origin":         origin,
	})
}

// BuildNodeRequest adds or updates a validator node; data is the node's JSON description.
func BuildNodeRequest(submitter, target, data string) ([]byte, error) {
	body, err := checkJSON("node data", data)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, fault.InvalidStructure("node dest is required")
	}
	return build(submitter, TypeNode, map[string]interface{}{"dest": target, "data": body})
}

// BuildGetTxnRequest queries a transaction by sequence number.
func BuildGetTxnRequest(submitter string, seqNo int) ([]byte, error) {
	if seqNo <= 0 {
		return nil, fault.InvalidStructure("sequence number %s must be positive", strconv.Itoa(seqNo))
	}
	return build(submitter, TypeGetTxn, map[string]interface{}{"data": seqNo})
}

// BuildGetDdoRequest queries the DDO of a DID.
func BuildGetDdoRequest(submitter, target string) ([]byte, error) {
	if err := ValidateDID(target); err != nil {
		return nil, err
	}
	return build(submitter, TypeGetDDO, map[string]interface{}{"dest": target})
}
