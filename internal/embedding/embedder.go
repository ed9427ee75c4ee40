// Package embedding turns text into fixed-dimension vectors. It defines the
// Embedder capability and the Batcher that drives it with bounded
// parallelism, retries and shape validation.
package embedding

import "context"

// Embedder maps texts to vectors of a fixed dimension, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}
