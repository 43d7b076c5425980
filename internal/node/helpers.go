package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-headers/config"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/model"
	"github.com/Klingon-tech/klingnet-headers/internal/chain"
	"github.com/Klingon-tech/klingnet-headers/internal/metrics"
	"github.com/Klingon-tech/klingnet-headers/internal/storage"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
)

// treePrefix namespaces header tree keys in the node database. The sync
// layer keeps bans and peers under its own prefixes.
var treePrefix = []byte("tree/")

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// openTree builds the configured tree backend over genesis. The chain
// backend restores and persists its state in db; the model backend is
// memory-only and ignores db and m.
func openTree(backend config.TreeBackend, db storage.DB, genesis block.Header, m metrics.TreeMetrics) (blocktree.BlockTree, error) {
	switch backend {
	case config.BackendModel:
		return model.New(genesis), nil
	case config.BackendChain, "":
		t, err := chain.Open(storage.NewPrefixDB(db, treePrefix), genesis)
		if err != nil {
			return nil, err
		}
		if m != nil {
			t.SetMetrics(m)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown tree backend %q", backend)
	}
}

// minerTag identifies this node's headers in their merkle commitment.
func minerTag(chainID, nodeID string) string {
	if nodeID == "" {
		return "headerd/" + chainID
	}
	return "headerd/" + chainID + "/" + nodeID
}
