package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ebitools-gateway/internal/ebi"
)

const ToolNCBIBlast = "ncbiblast"

// Defaults for protein searches against UniProtKB.
const (
	DefaultBlastpExp      = "1e-10"
	DefaultBlastpDatabase = "uniprotkb"
)

// BlastpOptions tunes a blastp search. Extra parameters are passed through
// and override the defaults.
type BlastpOptions struct {
	Exp      string              `json:"exp"`
	Database []string            `json:"database"`
	Extra    map[string][]string `json:"extra"`
}

// BlastpRequest builds the ncbiblast request for a protein sequence.
func BlastpRequest(sequence, email string, bo BlastpOptions) *ebi.Request {
	exp := strings.TrimSpace(bo.Exp)
	if exp == "" {
		exp = DefaultBlastpExp
	}
	databases := bo.Database
	if len(databases) == 0 {
		databases = []string{DefaultBlastpDatabase}
	}

	params := map[string][]string{
		"program":         {"blastp"},
		"task":            {"blastp"},
		"stype":           {"protein"},
		"exp":             {exp},
		"database":        databases,
		ebi.ParamSequence: {sequence},
	}
	for k, vs := range bo.Extra {
		params[strings.ToLower(strings.TrimSpace(k))] = vs
	}
	return ebi.NewRequest(ToolNCBIBlast, email, params)
}

// Blastp runs a protein similarity search.
func (s *Service) Blastp(ctx context.Context, sequence string, bo BlastpOptions, opts Options) (*Result, error) {
	return s.Query(ctx, BlastpRequest(sequence, "", bo), opts)
}

// BlastReport is the json result of an ncbiblast job.
type BlastReport struct {
	Program string     `json:"program"`
	Version string     `json:"version"`
	Command string     `json:"command,omitempty"`
	Query   string     `json:"query_def,omitempty"`
	Hits    []BlastHit `json:"hits"`
}

type BlastHit struct {
	Num   int        `json:"hit_num"`
	Def   string     `json:"hit_def"`
	DB    string     `json:"hit_db"`
	ID    string     `json:"hit_id"`
	Acc   string     `json:"hit_acc"`
	Desc  string     `json:"hit_desc"`
	URL   string     `json:"hit_url"`
	Len   int        `json:"hit_len"`
	UniDE string     `json:"hit_uni_de"`
	UniOS string     `json:"hit_uni_os"`
	UniOX looseText  `json:"hit_uni_ox"`
	UniGN string     `json:"hit_uni_gn"`
	UniPE looseText  `json:"hit_uni_pe"`
	UniSV looseText  `json:"hit_uni_sv"`
	HSPs  []BlastHSP `json:"hit_hsps"`
}

type BlastHSP struct {
	Num      int     `json:"hsp_num"`
	Score    float64 `json:"hsp_score"`
	BitScore float64 `json:"hsp_bit_score"`
	Expect   float64 `json:"hsp_expect"`
	Identity float64 `json:"hsp_identity"`
	Positive float64 `json:"hsp_positive"`
	AlignLen int     `json:"hsp_align_len"`
}

// looseText accepts a JSON string or number. The service is not consistent
// about which it sends for UniProt annotations.
type looseText string

func (t *looseText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = looseText(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = looseText(n.String())
	return nil
}

// ParseBlast decodes an ncbiblast json payload.
func ParseBlast(payload []byte) (*BlastReport, error) {
	var r BlastReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("query: decode blast result: %w", err)
	}
	return &r, nil
}

// Blast decodes the payload of an ncbiblast result.
func (r *Result) Blast() (*BlastReport, error) {
	if r.Tool != ToolNCBIBlast {
		return nil, fmt.Errorf("query: %s result is not a blast report", r.Tool)
	}
	return ParseBlast(r.Payload)
}

var proteinExistence = map[string]string{
	"1": "1. Experimental evidence at protein level",
	"2": "2. Experimental evidence at transcript level",
	"3": "3. Protein inferred from homology",
	"4": "4. Protein predicted",
	"5": "5. Protein uncertain",
}

var blastDatabases = map[string]string{
	"SP": "Swiss-Prot (Reviewed)",
	"TR": "TrEMBL (Unreviewed)",
}

// HitSummary is the flattened view of one hit, scored by its first HSP.
type HitSummary struct {
	Num             int     `json:"num"`
	Identifier      string  `json:"identifier"`
	Accession       string  `json:"accession"`
	Description     string  `json:"description"`
	Species         string  `json:"species"`
	GeneName        string  `json:"gene_name,omitempty"`
	SequenceVersion string  `json:"sequence_version,omitempty"`
	Length          int     `json:"length"`
	Existence       string  `json:"existence,omitempty"`
	Database        string  `json:"database"`
	Identity        float64 `json:"identity"`
	EValue          float64 `json:"e_value"`
	HSPCount        int     `json:"hsp_count"`
}

// Summary flattens every hit. Hits with several HSPs are summarized by the
// first one; HSPCount tells them apart.
func (b *BlastReport) Summary() []HitSummary {
	out := make([]HitSummary, 0, len(b.Hits))
	for _, h := range b.Hits {
		s := HitSummary{
			Num:             h.Num,
			Identifier:      h.ID,
			Accession:       h.Acc,
			Description:     h.UniDE,
			Species:         h.UniOS,
			GeneName:        h.UniGN,
			SequenceVersion: string(h.UniSV),
			Length:          h.Len,
			Existence:       proteinExistence[string(h.UniPE)],
			Database:        h.DB,
			HSPCount:        len(h.HSPs),
		}
		if name, ok := blastDatabases[h.DB]; ok {
			s.Database = name
		}
		if len(h.HSPs) > 0 {
			s.Identity = h.HSPs[0].Identity
			s.EValue = h.HSPs[0].Expect
		}
		out = append(out, s)
	}
	return out
}

// Hit returns the summary of the hit with the given accession.
func (b *BlastReport) Hit(accession string) (HitSummary, bool) {
	for _, s := range b.Summary() {
		if s.Accession == accession {
			return s, true
		}
	}
	return HitSummary{}, false
}

func (b *BlastReport) String() string {
	return fmt.Sprintf("<%s with %d results>", b.Version, len(b.Hits))
}
