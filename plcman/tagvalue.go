package plcman

import (
	"context"
	"encoding/hex"
	"time"

	"adslink/ads"
	"adslink/config"
)

// TagValue is the last polled result of a tag.
type TagValue struct {
	Name      string
	Address   ads.Address
	TypeName  string // PLC type name from config, may be empty
	Bytes     []byte // raw little-endian bytes as read
	Error     error  // per-tag error (nil if successful)
	Timestamp time.Time
}

// Hex returns the value bytes as lowercase hex.
func (v *TagValue) Hex() string {
	return hex.EncodeToString(v.Bytes)
}

// ValueChange is a tag value that differs from the previous poll.
type ValueChange struct {
	PLCName   string
	TagName   string
	Address   string
	TypeName  string
	Bytes     []byte
	Writable  bool
	Timestamp time.Time
}

// Hex returns the new value bytes as lowercase hex.
func (c ValueChange) Hex() string {
	return hex.EncodeToString(c.Bytes)
}

// Sink receives value changes. Publish is called from a single goroutine
// per manager, in poll order.
type Sink interface {
	Name() string
	Publish(ctx context.Context, change ValueChange) error
}

// tagPlan is a configured tag ready to poll.
type tagPlan struct {
	sel     config.TagSelection
	address ads.Address
	size    uint32
}

func planTags(tags []config.TagSelection) ([]tagPlan, error) {
	plans := make([]tagPlan, 0, len(tags))
	for _, sel := range tags {
		addr, err := ads.ParseAddress(sel.Address)
		if err != nil {
			return nil, err
		}
		size, err := sel.ReadSize()
		if err != nil {
			return nil, err
		}
		plans = append(plans, tagPlan{sel: sel, address: addr, size: size})
	}
	return plans, nil
}
