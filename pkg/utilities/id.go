package utilities

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// defaultNode lazily builds the process-wide snowflake node from SNOWFLAKE_NODE.
// A node must be shared: separate nodes with the same id hand out duplicate ids
// within the same millisecond.
func defaultNode() *snowflake.Node {
	nodeOnce.Do(func() {
		nodeID := int64(1)
		if v := os.Getenv("SNOWFLAKE_NODE"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				nodeID = n
			}
		}
		n, err := snowflake.NewNode(nodeID)
		if err != nil {
			// out of range node id; fall back to node 1
			n, _ = snowflake.NewNode(1)
		}
		node = n
	})
	return node
}

// NewSnowflakeID generates a snowflake ID string on the process-wide node.
// If no node could be built it falls back to a KSUID string.
func NewSnowflakeID() string {
	n := defaultNode()
	if n == nil {
		return NewKSUID()
	}
	return n.Generate().String()
}
