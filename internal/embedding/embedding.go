// Package embedding turns text into vectors. Providers are pluggable behind
// Embedder and looked up by name from a Registry.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/sashabaranov/go-openai"
)

type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Cosine returns the cosine similarity of a and b, or 0 when the vectors
// differ in length or either is zero.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// HTTPEmbedder calls an embedding service exposing POST /embed
// {"text": ...} -> {"embedding": [...]}.
type HTTPEmbedder struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPEmbedder(name, baseURL string) *HTTPEmbedder {
	return &HTTPEmbedder{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *HTTPEmbedder) Name() string { return e.name }

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	reqBody, _ := json.Marshal(map[string]string{"text": text})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
	}

	var result struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}

	return result.Embedding, nil
}

type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

func NewOpenAIEmbedder(client *openai.Client, model string) *OpenAIEmbedder {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{client: client, model: openai.EmbeddingModel(model)}
}

func (e *OpenAIEmbedder) Name() string { return "openai" }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}

	out := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		out[i] = float64(v)
	}
	return out, nil
}

// LexicalEmbedder hashes word unigrams and bigrams into a fixed-size vector.
// It needs no model and is deterministic, which makes it the offline
// default.
type LexicalEmbedder struct {
	dims int
}

func NewLexicalEmbedder(dims int) *LexicalEmbedder {
	if dims <= 0 {
		dims = 512
	}
	return &LexicalEmbedder{dims: dims}
}

func (e *LexicalEmbedder) Name() string { return "lexical" }

func (e *LexicalEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dims)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		vec[xxhash.Sum64String(tok)%uint64(e.dims)] += 1
		if i > 0 {
			vec[xxhash.Sum64String(tokens[i-1]+" "+tok)%uint64(e.dims)] += 0.5
		}
	}
	return vec, nil
}

// Tokenize lower-cases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Embedder
	fallback  string
}

func NewRegistry(fallback Embedder) *Registry {
	r := &Registry{providers: make(map[string]Embedder)}
	if fallback != nil {
		r.providers[fallback.Name()] = fallback
		r.fallback = fallback.Name()
	}
	return r
}

func (r *Registry) Register(e Embedder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[e.Name()] = e
}

// Get returns the named provider. An empty name selects the fallback.
func (r *Registry) Get(name string) (Embedder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	e, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("embedding provider %q is not configured", name)
	}
	return e, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
