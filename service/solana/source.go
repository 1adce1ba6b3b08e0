package solana

import (
	"context"

	"github.com/brojonat/solsync/service/db"
)

// RPCSource exposes a Client as a named transaction source for one wallet.
// The name is stable per endpoint so its watermark survives restarts.
type RPCSource struct {
	client  *Client
	address string
	limit   int
}

// NewRPCSource creates a source that fetches address's history through client.
// limit caps the number of transactions per fetch; 0 fetches everything newer
// than the watermark.
func NewRPCSource(client *Client, address string, limit int) *RPCSource {
	return &RPCSource{client: client, address: address, limit: limit}
}

func (s *RPCSource) Name() string {
	return "rpc:" + s.client.Endpoint()
}

// GetTransactions returns transactions newer than afterHash, newest first.
func (s *RPCSource) GetTransactions(ctx context.Context, afterHash string) ([]db.FullTransaction, error) {
	return s.client.GetRecentTransactions(ctx, s.address, afterHash, s.limit)
}
