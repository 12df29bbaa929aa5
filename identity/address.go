package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress indicates the supplied string is not a hex wallet address.
var ErrInvalidAddress = errors.New("identity: invalid wallet address")

// Address is a case-normalized wallet address. It is the participant primary
// key everywhere in the pipeline: there is no separate profile entity.
type Address string

// Parse validates raw as a hex wallet address and lowercases it. Mixed-case
// checksummed input and bare (0x-less) hex are both accepted.
func Parse(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidAddress
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return Address(strings.ToLower(common.HexToAddress(trimmed).Hex())), nil
}

// MustParse parses raw and panics on failure. Intended for tests and
// compile-time constants.
func MustParse(raw string) Address {
	addr, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return addr
}

// String returns the lowercased 0x-prefixed form.
func (a Address) String() string { return string(a) }

// Equal compares two addresses case-insensitively.
func (a Address) Equal(other Address) bool {
	return strings.EqualFold(string(a), string(other))
}
