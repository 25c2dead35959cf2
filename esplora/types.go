package esplora

// Output is one transaction output; Value is in satoshis.
type Output struct {
	Address string
	Value   int64
}

// Transaction is the subset of an Esplora /tx response the service reads.
type Transaction struct {
	TxID        string
	Confirmed   bool
	BlockHeight int64
	Outputs     []Output
}
