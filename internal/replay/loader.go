package replay

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/dgnsrekt/rlog-relay/internal/logtable"
)

// Largest single JSONL record accepted.
const maxLineSize = 16 * 1024 * 1024

// Load reads every record of a session file. Files ending in .zst are
// zstd-compressed JSONL; anything else is read as plain JSONL.
func Load(path string) ([]*logtable.Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	return readJSONL(r)
}

func readJSONL(r io.Reader) ([]*logtable.Table, error) {
	var records []*logtable.Table
	scanner := bufio.NewScanner(r)

	// Increase buffer size for large records
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		table := logtable.New()
		if err := table.UnmarshalJSON(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		records = append(records, table)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
