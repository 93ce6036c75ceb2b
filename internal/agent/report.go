package agent

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"castswap/internal/config"
	"castswap/internal/swap"
)

// Event is one machine-readable summary line.
type Event struct {
	Event string      `json:"event"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data,omitempty"`
}

// TxLink is a confirmed transaction with its explorer link.
type TxLink struct {
	Action string      `json:"action"`
	Hash   common.Hash `json:"hash"`
	Block  uint64      `json:"block"`
	URL    string      `json:"url,omitempty"`
}

// Reporter writes one JSON object per line. A nil *Reporter discards everything.
type Reporter struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

func NewReporter(w io.Writer) *Reporter {
	return &Reporter{enc: json.NewEncoder(w), now: time.Now}
}

func (r *Reporter) Emit(event string, data interface{}) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.enc.Encode(Event{Event: event, Time: r.now().UTC(), Data: data})
}

func links(network *config.NetworkConfig, txs []swap.TxRecord) []TxLink {
	out := make([]TxLink, 0, len(txs))
	for _, tx := range txs {
		out = append(out, TxLink{Action: tx.Action, Hash: tx.Hash, Block: tx.Block, URL: network.TxURL(tx.Hash.Hex())})
	}
	return out
}
