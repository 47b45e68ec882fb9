package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"ebitools-gateway/internal/ebi"
)

var (
	toolPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Fingerprint addresses one cached result. Tool namespaces entries the way
// the service namespaces jobs; Hash is the hex SHA-256 of the canonical
// request. Both parts are safe as path segments and key-value keys.
type Fingerprint struct {
	Tool string `json:"tool"`
	Hash string `json:"hash"`
}

// String renders tool:hash, used for key-value keys and logs.
func (f Fingerprint) String() string {
	return f.Tool + ":" + f.Hash
}

// Path renders tool/hash, used for file and object names.
func (f Fingerprint) Path() string {
	return f.Tool + "/" + f.Hash
}

// Validate rejects anything that could escape a directory or key prefix.
func (f Fingerprint) Validate() error {
	if !toolPattern.MatchString(f.Tool) {
		return fmt.Errorf("fingerprint: invalid tool %q", f.Tool)
	}
	if !hashPattern.MatchString(f.Hash) {
		return fmt.Errorf("fingerprint: invalid hash %q", f.Hash)
	}
	return nil
}

// ParseFingerprint parses the String form.
func ParseFingerprint(s string) (Fingerprint, error) {
	tool, hash, ok := strings.Cut(s, ":")
	if !ok {
		return Fingerprint{}, fmt.Errorf("fingerprint: %q is not tool:hash", s)
	}
	fp := Fingerprint{Tool: tool, Hash: hash}
	return fp, fp.Validate()
}

type canonicalRequest struct {
	Tool   string              `json:"tool"`
	Email  string              `json:"email"`
	Params map[string][]string `json:"params"`
}

// CanonicalRequest normalizes req into a stable JSON document:
//   - tool, parameter names and email are trimmed and lowercased,
//   - values are trimmed; empty values and parameters are dropped,
//   - multi-value parameters are sorted and de-duplicated,
//   - sequences lose all whitespace and are uppercased (FASTA header
//     lines are kept as written).
//
// encoding/json writes map keys sorted, so parameter order never matters.
func CanonicalRequest(req *ebi.Request) ([]byte, error) {
	if req == nil {
		return nil, &ebi.ValidationError{Field: "request", Reason: "is nil"}
	}

	c := canonicalRequest{
		Tool:   strings.ToLower(strings.TrimSpace(req.Tool)),
		Email:  strings.ToLower(strings.TrimSpace(req.Email)),
		Params: make(map[string][]string, len(req.Params)),
	}

	for name, values := range req.Params {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		for _, v := range values {
			v = strings.TrimSpace(v)
			if key == ebi.ParamSequence {
				v = normalizeSequence(v)
			}
			if v != "" {
				c.Params[key] = append(c.Params[key], v)
			}
		}
	}
	for key, values := range c.Params {
		sort.Strings(values)
		c.Params[key] = dedupSorted(values)
	}

	return json.Marshal(c)
}

// BuildFingerprint derives the cache key of req.
func BuildFingerprint(req *ebi.Request) (Fingerprint, error) {
	canonical, err := CanonicalRequest(req)
	if err != nil {
		return Fingerprint{}, err
	}
	return fingerprintOf(strings.ToLower(strings.TrimSpace(req.Tool)), canonical), nil
}

// BuildOutputFingerprint keys an extra result type of a finished job.
// Outputs live under "<tool>-output" so they never collide with queries.
func BuildOutputFingerprint(tool, jobID, outputType string) Fingerprint {
	tool = strings.ToLower(strings.TrimSpace(tool))
	doc, _ := json.Marshal([]string{tool, strings.TrimSpace(jobID), strings.TrimSpace(outputType)})
	return fingerprintOf(tool+"-output", doc)
}

func fingerprintOf(tool string, canonical []byte) Fingerprint {
	sum := sha256.Sum256(canonical)
	return Fingerprint{Tool: tool, Hash: hex.EncodeToString(sum[:])}
}

func normalizeSequence(s string) string {
	var segments []string
	var residues strings.Builder

	flush := func() {
		if residues.Len() > 0 {
			segments = append(segments, residues.String())
			residues.Reset()
		}
	}

	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, ">") {
			flush()
			segments = append(segments, line)
			continue
		}
		for _, r := range line {
			if !unicode.IsSpace(r) {
				residues.WriteRune(unicode.ToUpper(r))
			}
		}
	}
	flush()
	return strings.Join(segments, "\n")
}

func dedupSorted(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if len(out) == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
