package ads

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSymbolNotFound is returned by resolvers that don't know a symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// SymbolResolver maps a symbolic name to its raw address.
type SymbolResolver interface {
	Resolve(ctx context.Context, name string) (RawAddress, error)
}

// StaticResolver resolves symbols from a fixed table. TwinCAT symbol names
// are case-insensitive, so lookups are too.
type StaticResolver map[string]RawAddress

// NewStaticResolver builds a resolver from name -> "group/offset" pairs.
func NewStaticResolver(symbols map[string]string) (StaticResolver, error) {
	r := make(StaticResolver, len(symbols))
	for name, addr := range symbols {
		parsed, err := ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", name, err)
		}
		raw, ok := parsed.(RawAddress)
		if !ok {
			return nil, fmt.Errorf("symbol %s: %q is not a raw address", name, addr)
		}
		r[strings.ToUpper(name)] = raw
	}
	return r, nil
}

func (r StaticResolver) Resolve(ctx context.Context, name string) (RawAddress, error) {
	if raw, ok := r[strings.ToUpper(name)]; ok {
		return raw, nil
	}
	return RawAddress{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}
