// Caches individual model verdicts by image content digest, so re-uploads of identical bytes do not re-query providers.
//
// Includes an interface and implementations using redis and in-process memory.
package cachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/imgquorum/quorum/verdict"
)

type ResultCache interface {
	// Returns nil (and no error) on a cache miss.
	Get(ctx context.Context, model, digest string) (*verdict.ModelResult, error)
	Set(ctx context.Context, model, digest string, res *verdict.ModelResult) error
	Purge(ctx context.Context, model, digest string) error
}

// Content digest used as cache key for image bytes.
func Digest(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

func cacheKey(model, digest string) string {
	return model + "/" + digest
}

// Verdicts are cached as JSON strings; this also gives callers an independent copy on every read.
func encodeResult(res *verdict.ModelResult) (string, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeResult(val string) (*verdict.ModelResult, error) {
	var res verdict.ModelResult
	if err := json.Unmarshal([]byte(val), &res); err != nil {
		return nil, err
	}
	return &res, nil
}
