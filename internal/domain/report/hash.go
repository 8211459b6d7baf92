package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
)

const hashPrefix = "sha256:"

// hashInput fixes the field order of the digest. Changing it invalidates every
// stored signature hash.
type hashInput struct {
	Technique          string          `json:"technique"`
	Findings           string          `json:"findings"`
	Impression         string          `json:"impression"`
	ClinicalHistory    string          `json:"clinical_history"`
	Recommendations    string          `json:"recommendations"`
	StructuredFindings json.RawMessage `json:"structured_findings"`
	Measurements       json.RawMessage `json:"measurements"`
	KeyImages          []KeyImage      `json:"key_images"`
	TemplateID         string          `json:"template_id"`
}

// ContentHash returns "sha256:<hex>" over the canonical JSON encoding of n.
// Structured JSON is re-encoded with sorted keys so semantically equal
// documents hash equally.
func ContentHash(n Narrative) (string, error) {
	sf, err := canonicalJSON(n.StructuredFindings)
	if err != nil {
		return "", fmt.Errorf("structured_findings: %w", err)
	}
	ms, err := canonicalJSON(n.Measurements)
	if err != nil {
		return "", fmt.Errorf("measurements: %w", err)
	}
	keyImages := n.KeyImages
	if keyImages == nil {
		keyImages = []KeyImage{}
	}

	payload, err := json.Marshal(hashInput{
		Technique:          n.Technique,
		Findings:           n.Findings,
		Impression:         n.Impression,
		ClinicalHistory:    n.ClinicalHistory,
		Recommendations:    n.Recommendations,
		StructuredFindings: sf,
		Measurements:       ms,
		KeyImages:          keyImages,
		TemplateID:         n.TemplateID,
	})
	if err != nil {
		return "", fmt.Errorf("encode hash input: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hashPrefix + hex.EncodeToString(sum[:]), nil
}

// MustContentHash is ContentHash for content already known to be valid JSON.
func MustContentHash(n Narrative) string {
	h, err := ContentHash(n)
	if err != nil {
		panic(err)
	}
	return h
}

// canonicalJSON decodes and re-encodes raw so map keys come out sorted and
// every number has one spelling. JSONB storage rewrites numbers (1e2 reads
// back as 100, -0 as 0), and the digest must survive that round trip.
// Empty input becomes null.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	v, err := canonicalNumbers(v)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// numberPrecision is wide enough that distinct decimal inputs of clinical
// size never collapse to the same value.
const numberPrecision = 256

func canonicalNumbers(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, e := range t {
			c, err := canonicalNumbers(e)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		return t, nil
	case []interface{}:
		for i, e := range t {
			c, err := canonicalNumbers(e)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	case json.Number:
		f, _, err := big.ParseFloat(string(t), 10, numberPrecision, big.ToNearestEven)
		if err != nil {
			return nil, fmt.Errorf("number %s: %w", t, err)
		}
		if f.Sign() == 0 {
			return json.Number("0"), nil
		}
		return json.Number(f.Text('g', -1)), nil
	default:
		return v, nil
	}
}
