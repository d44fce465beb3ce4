package model

// DecodeError records a non-fatal decode failure for a single log, so a
// partially decoded transaction can still surface what went wrong.
type DecodeError struct {
	ChainID  uint64 `json:"chain_id"`
	TxHash   string `json:"tx_hash"`
	LogIndex uint64 `json:"log_index"`
	Address  string `json:"address"`
	Protocol string `json:"protocol,omitempty"`
	Error    string `json:"error"`
}
