package electrum

// UnspentRef is one entry from blockchain.scripthash.listunspent.
type UnspentRef struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Value  uint64 `json:"value"`
	Height int64  `json:"height"`
}

// Balance is the result of blockchain.scripthash.get_balance.
type Balance struct {
	Confirmed uint64 `json:"confirmed"`
}

// HistoryEntry is one entry from blockchain.scripthash.get_history.
type HistoryEntry struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}
