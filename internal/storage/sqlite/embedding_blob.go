package sqlite

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Embeddings are stored as raw little-endian float32 blobs of 4*dimension
// bytes.

func serializeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func deserializeEmbedding(blob []byte, dimension int) ([]float32, error) {
	if len(blob) != 4*dimension {
		return nil, fmt.Errorf("embedding blob is %d bytes, want %d for dimension %d",
			len(blob), 4*dimension, dimension)
	}
	vec := make([]float32, dimension)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
