package sinks

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/memmcp/engram/pkg/metrics"
)

// EmbeddingClient embeds text through an OpenAI-compatible endpoint
// with a strict per-call timeout. Timeouts and upstream errors fall
// back to a deterministic hash embedding so neither ingestion nor
// retrieval ever stalls on the provider. Results are cached by
// (endpoint, model, text).
type EmbeddingClient struct {
	url     string
	apiKey  string
	model   string
	dims    int
	timeout time.Duration
	client  *http.Client
	cache   *lru.Cache[string, []float32]
	logger  zerolog.Logger
}

// NewEmbeddingClient builds the client. An empty url disables the
// provider entirely: every call uses the deterministic fallback.
func NewEmbeddingClient(url, apiKey, model string, dims int, timeout time.Duration, cacheSize int, logger zerolog.Logger) *EmbeddingClient {
	if dims <= 0 {
		dims = 1536
	}
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	if cacheSize <= 0 {
		cacheSize = 512
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &EmbeddingClient{
		url:     url,
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
		logger:  logger,
	}
}

// Dims reports the embedding dimensionality.
func (e *EmbeddingClient) Dims() int { return e.dims }

func (e *EmbeddingClient) cacheKey(text string) string {
	sum := sha1.Sum([]byte(e.url + "|" + e.model + "|" + text))
	return fmt.Sprintf("%x", sum)
}

// Embed returns a vector for text. The provider path runs under the
// strict timeout; any failure degrades to the fallback embedding.
func (e *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if vec, ok := e.cache.Get(key); ok {
		metrics.EmbeddingCacheHitsTotal.Inc()
		return vec, nil
	}

	if e.url == "" {
		vec := FallbackEmbedding(text, e.dims)
		e.cache.Add(key, vec)
		return vec, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	headers := map[string]string{}
	if e.apiKey != "" {
		headers["Authorization"] = "Bearer " + e.apiKey
	}
	err := doJSON(callCtx, e.client, "embedding", http.MethodPost, e.url+"/embeddings", headers,
		map[string]any{"model": e.model, "input": []string{text}}, &resp)
	if err != nil || len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		metrics.EmbeddingFallbacksTotal.Inc()
		e.logger.Debug().Err(err).Msg("Embedding provider unavailable, using deterministic fallback")
		vec := FallbackEmbedding(text, e.dims)
		e.cache.Add(key, vec)
		return vec, nil
	}

	vec := resp.Data[0].Embedding
	e.cache.Add(key, vec)
	return vec, nil
}

// FallbackEmbedding expands a SHA-256 of the text into a unit vector.
// The same text always produces the same vector, so fallback-written
// points remain queryable by fallback-embedded queries.
func FallbackEmbedding(text string, dims int) []float32 {
	if dims <= 0 {
		dims = 1536
	}
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, dims)

	var block [32]byte
	copy(block[:], seed[:])
	var norm float64
	for i := 0; i < dims; i++ {
		if i%8 == 0 && i > 0 {
			block = sha256.Sum256(block[:])
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		// Map to [-1, 1).
		v := float64(bits)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
