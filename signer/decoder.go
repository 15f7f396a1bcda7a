package signer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/CaliberVB/txpipeline/chain"
)

var errNoRevertData = errors.New("no revert data")

// ErrorDecoder turns revert payloads into readable reasons. Error(string) and
// Panic(uint256) are always understood; custom errors need their ABI.
type ErrorDecoder struct {
	errors map[[4]byte]abi.Error
}

// NewErrorDecoder indexes the custom errors declared in abis.
func NewErrorDecoder(abis ...abi.ABI) (*ErrorDecoder, error) {
	d := &ErrorDecoder{errors: map[[4]byte]abi.Error{}}
	for _, a := range abis {
		for name, e := range a.Errors {
			var id [4]byte
			copy(id[:], e.ID[:4])
			if prev, ok := d.errors[id]; ok && prev.Sig != e.Sig {
				return nil, fmt.Errorf("error selector collision between %s and %s", prev.Sig, name)
			}
			d.errors[id] = e
		}
	}
	return d, nil
}

// Decode extracts revert data from err and decodes it.
func (d *ErrorDecoder) Decode(err error) (*abi.Error, any, error) {
	data := chain.RevertData(err)
	if len(data) == 0 {
		return nil, nil, errNoRevertData
	}
	return d.DecodeData(data)
}

// DecodeData decodes a custom error payload. It returns the matching ABI error
// and its unpacked arguments.
func (d *ErrorDecoder) DecodeData(data []byte) (*abi.Error, any, error) {
	if d == nil || len(data) < 4 {
		return nil, nil, errNoRevertData
	}
	var id [4]byte
	copy(id[:], data[:4])
	e, ok := d.errors[id]
	if !ok {
		return nil, nil, fmt.Errorf("unknown error selector 0x%s", common.Bytes2Hex(id[:]))
	}
	params, err := e.Unpack(data)
	if err != nil {
		return &e, nil, fmt.Errorf("couldn't unpack %s: %w", e.Name, err)
	}
	return &e, params, nil
}

// Reason returns a human readable revert reason, or "" when data cannot be decoded.
func (d *ErrorDecoder) Reason(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if d != nil {
		if e, params, err := d.DecodeData(data); err == nil {
			return fmt.Sprintf("%s%v", e.Name, formatParams(params))
		}
	}
	return ""
}

func formatParams(params any) string {
	switch v := params.(type) {
	case nil:
		return "()"
	case []any:
		var b bytes.Buffer
		b.WriteByte('(')
		for i, p := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%v", p)
		}
		b.WriteByte(')')
		return b.String()
	default:
		return fmt.Sprintf("(%v)", v)
	}
}
