package query

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ebitools-gateway/internal/ebi"
	"ebitools-gateway/internal/poller"
)

const sampleBlast = `{
  "program": "blastp",
  "version": "BLASTP 2.14.0+",
  "command": "blastp -db uniprotkb -evalue 1e-10",
  "query_def": "EMBOSS_001",
  "hits": [
    {
      "hit_num": 1,
      "hit_def": "SP:P69905 HBA_HUMAN Hemoglobin subunit alpha",
      "hit_db": "SP",
      "hit_id": "HBA_HUMAN",
      "hit_acc": "P69905",
      "hit_desc": "Hemoglobin subunit alpha",
      "hit_url": "https://www.uniprot.org/uniprot/P69905",
      "hit_len": 142,
      "hit_uni_de": "Hemoglobin subunit alpha",
      "hit_uni_os": "Homo sapiens",
      "hit_uni_ox": "9606",
      "hit_uni_gn": "HBA1",
      "hit_uni_pe": "1",
      "hit_uni_sv": 2,
      "hit_hsps": [
        {"hsp_num": 1, "hsp_score": 720, "hsp_bit_score": 281.6, "hsp_expect": 2.1e-95, "hsp_identity": 100.0, "hsp_positive": 100.0, "hsp_align_len": 142},
        {"hsp_num": 2, "hsp_score": 40, "hsp_bit_score": 20.1, "hsp_expect": 0.5, "hsp_identity": 30.0, "hsp_positive": 40.0, "hsp_align_len": 20}
      ]
    },
    {
      "hit_num": 2,
      "hit_db": "TR",
      "hit_id": "A0A0K0K1A5_HUMAN",
      "hit_acc": "A0A0K0K1A5",
      "hit_len": 142,
      "hit_uni_de": "HBA1",
      "hit_uni_os": "Homo sapiens",
      "hit_uni_ox": 9606,
      "hit_uni_pe": 3,
      "hit_uni_sv": "1",
      "hit_hsps": [
        {"hsp_num": 1, "hsp_expect": 3.5e-94, "hsp_identity": 99.3}
      ]
    }
  ]
}`

func TestParseBlast_Summary(t *testing.T) {
	report, err := ParseBlast([]byte(sampleBlast))
	if err != nil {
		t.Fatalf("ParseBlast: %v", err)
	}
	if report.Program != "blastp" || report.Version != "BLASTP 2.14.0+" {
		t.Fatalf("unexpected header: %s %s", report.Program, report.Version)
	}
	if got := report.String(); got != "<BLASTP 2.14.0+ with 2 results>" {
		t.Fatalf("unexpected String: %q", got)
	}

	want := []HitSummary{
		{
			Num:             1,
			Identifier:      "HBA_HUMAN",
			Accession:       "P69905",
			Description:     "Hemoglobin subunit alpha",
			Species:         "Homo sapiens",
			GeneName:        "HBA1",
			SequenceVersion: "2",
			Length:          142,
			Existence:       "1. Experimental evidence at protein level",
			Database:        "Swiss-Prot (Reviewed)",
			Identity:        100.0,
			EValue:          2.1e-95,
			HSPCount:        2,
		},
		{
			Num:             2,
			Identifier:      "A0A0K0K1A5_HUMAN",
			Accession:       "A0A0K0K1A5",
			Description:     "HBA1",
			Species:         "Homo sapiens",
			SequenceVersion: "1",
			Length:          142,
			Existence:       "3. Protein inferred from homology",
			Database:        "TrEMBL (Unreviewed)",
			Identity:        99.3,
			EValue:          3.5e-94,
			HSPCount:        1,
		},
	}
	if diff := cmp.Diff(want, report.Summary()); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}

	hit, ok := report.Hit("A0A0K0K1A5")
	if !ok || hit.Num != 2 {
		t.Fatalf("Hit lookup failed: %+v %v", hit, ok)
	}
	if _, ok := report.Hit("nope"); ok {
		t.Fatalf("expected unknown accession to be missing")
	}
}

func TestParseBlast_Invalid(t *testing.T) {
	if _, err := ParseBlast([]byte("<html>")); err == nil {
		t.Fatalf("expected decode error")
	}

	r := &Result{Tool: "clustalo", Payload: []byte("{}")}
	if _, err := r.Blast(); err == nil {
		t.Fatalf("expected error for a non-blast result")
	}
}

func TestBlastpRequest_Defaults(t *testing.T) {
	req := BlastpRequest("MKTAYIAK", "", BlastpOptions{})
	if req.Tool != ToolNCBIBlast {
		t.Fatalf("unexpected tool %q", req.Tool)
	}

	want := map[string][]string{
		"program":  {"blastp"},
		"task":     {"blastp"},
		"stype":    {"protein"},
		"exp":      {"1e-10"},
		"database": {"uniprotkb"},
		"sequence": {"MKTAYIAK"},
	}
	if diff := cmp.Diff(want, req.Params); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}

	custom := BlastpRequest("MKTAYIAK", "", BlastpOptions{
		Exp:      "1e-5",
		Database: []string{"uniprotkb_swissprot"},
		Extra:    map[string][]string{"Alignments": {"10"}},
	})
	if got := custom.Values("exp"); len(got) != 1 || got[0] != "1e-5" {
		t.Fatalf("expected custom exp, got %v", got)
	}
	if got := custom.Values("database"); len(got) != 1 || got[0] != "uniprotkb_swissprot" {
		t.Fatalf("expected custom database, got %v", got)
	}
	if got := custom.Values("alignments"); len(got) != 1 || got[0] != "10" {
		t.Fatalf("expected extra parameter, got %v", got)
	}
}

func TestService_Blastp(t *testing.T) {
	ctx := testContext(t)
	client := newFakeClient(1)
	client.payloadFor = func(req *ebi.Request) []byte { return []byte(sampleBlast) }
	svc := newTestService(t, client, nil, poller.Config{})

	res, err := svc.Blastp(ctx, "mktayiak", BlastpOptions{}, Options{})
	if err != nil {
		t.Fatalf("Blastp: %v", err)
	}
	report, err := res.Blast()
	if err != nil {
		t.Fatalf("Blast: %v", err)
	}
	if len(report.Hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(report.Hits))
	}
	if client.lastEmail != testEmail {
		t.Fatalf("expected configured email, got %q", client.lastEmail)
	}

	var ve *ebi.ValidationError
	if _, err := svc.Blastp(ctx, "  ", BlastpOptions{}, Options{}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for empty sequence, got %v", err)
	}
	if !strings.Contains(res.Fingerprint.String(), "ncbiblast:") {
		t.Fatalf("unexpected fingerprint %s", res.Fingerprint)
	}
}
