//go:build property
// +build property

package idempotency_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/opsdeck-ai/opsdeck/pkg/idempotency"
)

// TestFingerprintDeterminism verifies Fingerprint(input) == Fingerprint(input)
// for any input object.
func TestFingerprintDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fingerprint is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			fp1, err1 := idempotency.Fingerprint(obj)
			fp2, err2 := idempotency.Fingerprint(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return fp1 == fp2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestFingerprintShape verifies every fingerprint is a 64-char hex digest.
func TestFingerprintShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fingerprint is lowercase hex sha-256", prop.ForAll(
		func(key, value string) bool {
			fp, err := idempotency.Fingerprint(map[string]any{key: value})
			if err != nil {
				return false
			}
			if len(fp) != 64 {
				return false
			}
			for _, r := range fp {
				if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestFingerprintDistinguishesInputs verifies distinct single-field inputs
// never collide on the same key.
func TestFingerprintDistinguishesInputs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("different values produce different fingerprints", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true // Identical inputs may (must) collide
			}
			fp1, err1 := idempotency.Fingerprint(map[string]any{"v": a})
			fp2, err2 := idempotency.Fingerprint(map[string]any{"v": b})
			if err1 != nil || err2 != nil {
				return false
			}
			return fp1 != fp2
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
