package transport

// ShouldChunk returns true if data does not fit a single notification
func ShouldChunk(maxPayload int, data []byte) bool {
	if maxPayload <= 0 {
		maxPayload = DefaultPayloadSize
	}
	return len(data) > maxPayload
}

// Chunk splits an encoded frame into notification-sized pieces. The receiver
// reassembles by feeding chunks to its frame parser, so no per-chunk header is added.
func Chunk(data []byte, maxPayload int) [][]byte {
	if maxPayload <= 0 {
		maxPayload = DefaultPayloadSize
	}
	if len(data) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(data)+maxPayload-1)/maxPayload)
	for offset := 0; offset < len(data); offset += maxPayload {
		end := offset + maxPayload
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, end-offset)
		copy(chunk, data[offset:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
