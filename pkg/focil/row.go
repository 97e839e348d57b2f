package focil

// VariantMetrics are the per-variant measurements of one block
type VariantMetrics struct {
	TxCount   int64
	SizeBytes int64
	// InclusionRate is nil when the list or the inclusion window is empty.
	InclusionRate *float64
}

// Row is the output record of one analyzed block
type Row struct {
	BlockNumber     uint64
	BlockTimestamp  int64
	BaseFee         uint64
	GasUsed         uint64
	GasLimit        uint64
	IncludedTxCount int64

	MempoolCoverageOfNextBlock float64
	MempoolUniqueTxsInWindow   int64
	CensoredDetectedCount      int64

	// Variants is indexed like Variants().
	Variants [6]VariantMetrics
}

// Metrics returns the measurements of variant v
func (r *Row) Metrics(v Variant) *VariantMetrics {
	return &r.Variants[variantIndex(v)]
}

func variantIndex(v Variant) int {
	i := int(v.Delay) * len(Strategies)
	if v.Strategy == StrategyCensored {
		i++
	}
	return i
}
