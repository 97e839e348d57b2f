package common

import "fmt"

// ChunkRecord is one block range of a batch run as stored in the plan file
// and in the NATS KV status bucket
type ChunkRecord struct {
	ID         int    `json:"chunk_id"`
	StartBlock uint64 `json:"start_block"`
	EndBlock   uint64 `json:"end_block"` // exclusive
	Status     string `json:"status"`
	OutputFile string `json:"output_file"`

	RunID            string `json:"run_id,omitempty"`
	Rows             int    `json:"rows,omitempty"`
	LastStatusUpdate string `json:"last_status_update,omitempty"` // RFC 3339
	LastError        string `json:"last_error,omitempty"`
}

// ChunkStatus constants
const (
	ChunkStatusPending = "pending"
	ChunkStatusRunning = "running"
	ChunkStatusDone    = "done"
	ChunkStatusFailed  = "failed"
)

// NumBlocks returns the number of blocks in the chunk
func (c ChunkRecord) NumBlocks() uint64 {
	if c.EndBlock <= c.StartBlock {
		return 0
	}
	return c.EndBlock - c.StartBlock
}

// ChunkFilename is the output file name of a chunk
func ChunkFilename(id int, start, end uint64) string {
	return fmt.Sprintf("chunk_%04d_%d_%d.parquet", id, start, end)
}

// Key is the KV key of the chunk status entry
func (c ChunkRecord) Key() string {
	return fmt.Sprintf("chunk.%04d", c.ID)
}
