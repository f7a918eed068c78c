package policy

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// encodeBlocks splits data into m equally sized data blocks (zero padded) and
// computes p parity blocks. Blocks 0..m-1 are data, m..m+p-1 parity.
func encodeBlocks(data []byte, m, p int) ([]Unit, error) {
	if m < 1 || p < 1 {
		return nil, fmt.Errorf("%w: invalid erasure shape m=%d p=%d", ErrInvalid, m, p)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: cannot erasure-code an empty payload", ErrInvalid)
	}

	enc, err := reedsolomon.New(m, p)
	if err != nil {
		return nil, fmt.Errorf("%w: create encoder: %w", ErrInvalid, err)
	}

	blockSize := (len(data) + m - 1) / m
	blocks := make([][]byte, m+p)
	for i := 0; i < m; i++ {
		blocks[i] = make([]byte, blockSize)
		start := i * blockSize
		if start < len(data) {
			end := start + blockSize
			if end > len(data) {
				end = len(data)
			}
			copy(blocks[i], data[start:end])
		}
	}
	for i := m; i < m+p; i++ {
		blocks[i] = make([]byte, blockSize)
	}

	if err := enc.Encode(blocks); err != nil {
		return nil, fmt.Errorf("%w: encode blocks: %w", ErrInvalid, err)
	}

	units := make([]Unit, m+p)
	for i, b := range blocks {
		units[i] = Unit{Index: i, Data: b}
	}
	return units, nil
}

// decodeBlocks rebuilds the payload from any m of the m+p blocks. Parity
// blocks are only consulted when data blocks are missing.
func decodeBlocks(byIndex map[int][]byte, layout Layout) ([]byte, error) {
	m, p := layout.DataBlocks, layout.ParityBlocks
	if m < 1 || p < 1 {
		return nil, fmt.Errorf("%w: invalid erasure layout m=%d p=%d", ErrInvalid, m, p)
	}
	if len(byIndex) < m {
		return nil, fmt.Errorf("%w: need %d of %d blocks, have %d", ErrIncomplete, m, m+p, len(byIndex))
	}

	blockSize := -1
	blocks := make([][]byte, m+p)
	dataPresent := 0
	for i := 0; i < m+p; i++ {
		b, ok := byIndex[i]
		if !ok {
			continue
		}
		if blockSize == -1 {
			blockSize = len(b)
		} else if len(b) != blockSize {
			return nil, fmt.Errorf("%w: block %d has size %d, expected %d", ErrInvalid, i, len(b), blockSize)
		}
		blocks[i] = b
		if i < m {
			dataPresent++
		}
	}

	if dataPresent < m {
		enc, err := reedsolomon.New(m, p)
		if err != nil {
			return nil, fmt.Errorf("%w: create decoder: %w", ErrInvalid, err)
		}
		if err := enc.ReconstructData(blocks); err != nil {
			return nil, fmt.Errorf("%w: reconstruct data blocks: %w", ErrIncomplete, err)
		}
	}

	if layout.Size > blockSize*m {
		return nil, fmt.Errorf("%w: size %d exceeds reconstructible %d bytes", ErrInvalid, layout.Size, blockSize*m)
	}

	var buf bytes.Buffer
	buf.Grow(blockSize * m)
	for i := 0; i < m; i++ {
		buf.Write(blocks[i])
	}
	return buf.Bytes()[:layout.Size], nil
}
