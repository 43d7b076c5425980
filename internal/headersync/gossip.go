package headersync

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingnet-headers/pkg/block"
)

// BroadcastHeader gossips a new tip at height whose chain carries work.
func (n *Node) BroadcastHeader(h block.Header, height uint64, work *big.Int) error {
	if n.topicAnnounce == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(AnnounceMessage{Header: h, Height: height, Work: work})
	if err != nil {
		return fmt.Errorf("marshal announce: %w", err)
	}
	return n.topicAnnounce.Publish(n.ctx, data)
}
