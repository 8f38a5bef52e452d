// Package typedData prepares EIP-712 structured data for signing: it reduces
// the type dictionary to the set reachable from the primary type and computes
// the domain separated digest.
package typedData

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

var (
	ErrCyclicTypeDefinition = errors.New("cyclic type definition")
	ErrAmbiguousPrimaryType = errors.New("cannot infer a unique primary type")
	ErrInvalidTypedData     = errors.New("invalid typed data")
)

const domainTypeName = "EIP712Domain"

// Request is the typed data payload of eth_signTypedData_v4.
type Request struct {
	Types       apitypes.Types            `json:"types"`
	PrimaryType string                    `json:"primaryType,omitempty"`
	Domain      apitypes.TypedDataDomain  `json:"domain"`
	Message     apitypes.TypedDataMessage `json:"message"`
}

// baseType strips array suffixes so "Person[]" and "Person[2][]" resolve to Person.
func baseType(t string) string {
	if i := strings.IndexByte(t, '['); i >= 0 {
		return t[:i]
	}
	return t
}

// Reduce returns the type definitions reachable from primaryType, walking the
// graph breadth first. Names that are not keys of types (primitives) are
// skipped. If a round discovers primaryType again the graph is rejected with
// ErrCyclicTypeDefinition.
func Reduce(primaryType string, types apitypes.Types) (apitypes.Types, error) {
	result := make(apitypes.Types)
	visited := map[string]bool{primaryType: true}
	frontier := []string{primaryType}

	for len(frontier) > 0 {
		var next []string
		for _, name := range frontier {
			fields, ok := types[name]
			if !ok {
				continue
			}
			result[name] = fields

			for _, field := range fields {
				fieldType := baseType(field.Type)
				if fieldType == primaryType {
					return nil, errors.Wrapf(ErrCyclicTypeDefinition, "%s references %s", name, primaryType)
				}
				if visited[fieldType] {
					continue
				}
				visited[fieldType] = true
				next = append(next, fieldType)
			}
		}
		frontier = next
	}
	return result, nil
}

// Parse decodes typed data given either as a JSON object or as a JSON string
// holding the object, the form most wallets send.
func Parse(raw json.RawMessage) (*Request, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.Wrap(ErrInvalidTypedData, "empty payload")
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, errors.Wrapf(ErrInvalidTypedData, "bad string payload: %v", err)
		}
		trimmed = []byte(inner)
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, errors.Wrapf(ErrInvalidTypedData, "bad object payload: %v", err)
	}
	if len(req.Types) == 0 {
		return nil, errors.Wrap(ErrInvalidTypedData, "types are required")
	}
	return &req, nil
}

// InferPrimaryType returns the only struct type that no other type references.
func InferPrimaryType(types apitypes.Types) (string, error) {
	referenced := make(map[string]bool)
	for name, fields := range types {
		for _, field := range fields {
			if ft := baseType(field.Type); ft != name {
				referenced[ft] = true
			}
		}
	}

	var roots []string
	for name := range types {
		if name == domainTypeName || referenced[name] {
			continue
		}
		roots = append(roots, name)
	}
	if len(roots) != 1 {
		sort.Strings(roots)
		return "", errors.Wrapf(ErrAmbiguousPrimaryType, "candidates %v", roots)
	}
	return roots[0], nil
}

// domainType builds an EIP712Domain definition from the populated domain
// fields in canonical order.
func domainType(domain apitypes.TypedDataDomain) []apitypes.Type {
	var fields []apitypes.Type
	if domain.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if domain.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if domain.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if domain.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if domain.Salt != "" {
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return fields
}

// Hash computes keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
// With a primary type the type map is reduced first; without one the full map
// is used and the primary type is inferred.
func Hash(req *Request) ([32]byte, error) {
	var digest [32]byte
	if req == nil {
		return digest, errors.Wrap(ErrInvalidTypedData, "nil request")
	}

	primaryType := req.PrimaryType
	var types apitypes.Types
	if primaryType != "" {
		if primaryType == domainTypeName {
			return digest, errors.Wrap(ErrInvalidTypedData, "primary type cannot be EIP712Domain")
		}
		reduced, err := Reduce(primaryType, req.Types)
		if err != nil {
			return digest, err
		}
		if _, ok := reduced[primaryType]; !ok {
			return digest, errors.Wrapf(ErrInvalidTypedData, "primary type %s is not defined", primaryType)
		}
		types = reduced
	} else {
		inferred, err := InferPrimaryType(req.Types)
		if err != nil {
			return digest, err
		}
		primaryType = inferred
		types = make(apitypes.Types, len(req.Types))
		for name, fields := range req.Types {
			types[name] = fields
		}
	}

	if supplied, ok := req.Types[domainTypeName]; ok {
		types[domainTypeName] = supplied
	} else {
		types[domainTypeName] = domainType(req.Domain)
	}

	hash, _, err := apitypes.TypedDataAndHash(apitypes.TypedData{
		Types:       types,
		PrimaryType: primaryType,
		Domain:      req.Domain,
		Message:     req.Message,
	})
	if err != nil {
		return digest, errors.Wrapf(ErrInvalidTypedData, "hashing failed: %v", err)
	}
	copy(digest[:], hash)
	return digest, nil
}
