package utilities

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewRequestID returns a KSUID string used to correlate a single API attempt
// with server-side logs.
func NewRequestID() string {
	return ksuid.New().String()
}

// IDGenerator hands out time-ordered snowflake ids for one process. It falls
// back to KSUIDs when the node cannot be initialized.
type IDGenerator struct {
	once   sync.Once
	nodeID int64
	node   *snowflake.Node
}

// NewIDGenerator creates a generator bound to nodeID (0-1023).
func NewIDGenerator(nodeID int64) *IDGenerator {
	return &IDGenerator{nodeID: nodeID}
}

// Next returns the next id as a string.
func (g *IDGenerator) Next() string {
	g.once.Do(func() {
		node, err := snowflake.NewNode(g.nodeID)
		if err == nil {
			g.node = node
		}
	})
	if g.node == nil {
		return NewRequestID()
	}
	return g.node.Generate().String()
}
