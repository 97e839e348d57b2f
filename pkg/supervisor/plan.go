package supervisor

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/common"
)

var planHeader = []string{"chunk_id", "start_block", "end_block", "num_blocks", "status", "output_file"}

// PlanChunks splits [start, end) into consecutive chunks of at most size
// blocks. The last chunk absorbs the remainder.
func PlanChunks(start, end, size uint64) ([]common.ChunkRecord, error) {
	if start >= end {
		return nil, fmt.Errorf("invalid range [%d, %d)", start, end)
	}
	if size == 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}

	var chunks []common.ChunkRecord
	for from := start; from < end; from += size {
		to := from + size
		if to > end || to < from {
			to = end
		}
		id := len(chunks)
		chunks = append(chunks, common.ChunkRecord{
			ID:         id,
			StartBlock: from,
			EndBlock:   to,
			Status:     common.ChunkStatusPending,
			OutputFile: common.ChunkFilename(id, from, to),
		})
		if to == end {
			break
		}
	}
	return chunks, nil
}

// WritePlanCSV writes the plan with a header row
func WritePlanCSV(w io.Writer, chunks []common.ChunkRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(planHeader); err != nil {
		return err
	}
	for _, c := range chunks {
		record := []string{
			strconv.Itoa(c.ID),
			strconv.FormatUint(c.StartBlock, 10),
			strconv.FormatUint(c.EndBlock, 10),
			strconv.FormatUint(c.NumBlocks(), 10),
			c.Status,
			c.OutputFile,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadPlanCSV parses a plan written by WritePlanCSV
func ReadPlanCSV(r io.Reader) ([]common.ChunkRecord, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("plan is empty")
	}

	index := map[string]int{}
	for i, name := range records[0] {
		index[name] = i
	}
	for _, name := range []string{"chunk_id", "start_block", "end_block"} {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("plan is missing column %s", name)
		}
	}

	chunks := make([]common.ChunkRecord, 0, len(records)-1)
	for line, rec := range records[1:] {
		id, err := strconv.Atoi(rec[index["chunk_id"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid chunk_id: %w", line+2, err)
		}
		start, err := strconv.ParseUint(rec[index["start_block"]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid start_block: %w", line+2, err)
		}
		end, err := strconv.ParseUint(rec[index["end_block"]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid end_block: %w", line+2, err)
		}
		if start >= end {
			return nil, fmt.Errorf("line %d: empty range [%d, %d)", line+2, start, end)
		}

		c := common.ChunkRecord{ID: id, StartBlock: start, EndBlock: end, Status: common.ChunkStatusPending}
		if i, ok := index["output_file"]; ok && rec[i] != "" {
			c.OutputFile = rec[i]
		} else {
			c.OutputFile = common.ChunkFilename(id, start, end)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}
