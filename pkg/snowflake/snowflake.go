// Package snowflake generates time-sortable 64-bit identifiers for messages.
//
// Layout: 41 bits of milliseconds since Epoch, 10 bits of node, 12 bits of
// per-millisecond sequence. Ids from one node are strictly increasing, so the
// id order of messages in a chat matches their commit order.
package snowflake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits  = 10
	stepBits  = 12
	nodeMax   = -1 ^ (-1 << nodeBits)
	stepMask  = -1 ^ (-1 << stepBits)
	timeShift = nodeBits + stepBits
	nodeShift = stepBits

	// Epoch is 2024-01-01 00:00:00 UTC in Unix milliseconds.
	Epoch int64 = 1704067200000
)

var ErrInvalidNode = errors.New("snowflake: node number must be between 0 and 1023")

// ID is a message identifier. The zero ID means "none".
type ID int64

func (id ID) IsZero() bool { return id == 0 }

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Time returns the creation time encoded in the id.
func (id ID) Time() time.Time {
	ms := (int64(id) >> timeShift) + Epoch
	return time.UnixMilli(ms).UTC()
}

// Node returns the node number encoded in the id.
func (id ID) Node() int64 { return (int64(id) >> nodeShift) & nodeMax }

// MarshalJSON encodes the id as a string; browsers lose precision past 2^53.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == 0 {
		return []byte(`null`), nil
	}
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = 0
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("snowflake: decode id: %w", err)
		}
		*id = ID(n)
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse reads a decimal id. The empty string parses to the zero ID.
func Parse(s string) (ID, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("snowflake: parse %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("snowflake: negative id %q", s)
	}
	return ID(n), nil
}

// Node generates ids for one process. It is safe for concurrent use.
type Node struct {
	mu   sync.Mutex
	now  func() int64
	time int64
	node int64
	step int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrInvalidNode
	}
	return &Node{
		now:  func() int64 { return time.Now().UnixMilli() },
		node: node,
	}, nil
}

func (n *Node) Generate() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()

	// Clock moved backwards: keep issuing from the last seen millisecond.
	if now < n.time {
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.time {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}

	n.time = now

	return ID(((now - Epoch) << timeShift) | (n.node << nodeShift) | n.step)
}
