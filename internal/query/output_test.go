package query

import (
	"errors"
	"testing"

	"ebitools-gateway/internal/ebi"
	"ebitools-gateway/internal/poller"
)

func TestOutput_Cached(t *testing.T) {
	ctx := testContext(t)
	client := newFakeClient(1)
	client.outputs["ncbiblast-job-1/"+OutputVisualSVG] = []byte("<svg/>")
	svc := newTestService(t, client, nil, poller.Config{})

	res, err := svc.Query(ctx, blastRequest("MKTAYIAK"), Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	first, err := svc.Output(ctx, res.Handle(), OutputVisualSVG, Options{})
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if string(first.Payload) != "<svg/>" || first.Cached {
		t.Fatalf("unexpected first output: %+v", first)
	}
	if first.Fingerprint.Tool != "ncbiblast-output" {
		t.Fatalf("expected output namespace, got %s", first.Fingerprint)
	}

	second, err := svc.Output(ctx, res.Handle(), OutputVisualSVG, Options{})
	if err != nil {
		t.Fatalf("Output again: %v", err)
	}
	if !second.Cached || string(second.Payload) != "<svg/>" {
		t.Fatalf("expected cached output, got %+v", second)
	}
	if client.outCalls != 1 {
		t.Fatalf("expected one remote fetch, got %d", client.outCalls)
	}

	if _, err := svc.Output(ctx, res.Handle(), OutputVisualSVG, Options{ResetCache: true}); err != nil {
		t.Fatalf("Output reset: %v", err)
	}
	if client.outCalls != 2 {
		t.Fatalf("expected reset to refetch, got %d fetches", client.outCalls)
	}
}

func TestOutput_Errors(t *testing.T) {
	ctx := testContext(t)
	client := newFakeClient(1)
	svc := newTestService(t, client, nil, poller.Config{})
	h := ebi.JobHandle{Tool: "ncbiblast", ID: "ncbiblast-job-9"}

	_, err := svc.Output(ctx, h, OutputDomainsSVG, Options{})
	var te *ebi.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError for a missing output, got %v", err)
	}

	if _, err := svc.Output(ctx, h, OutputDomainsSVG, Options{CachedOnly: true}); !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected ErrNotCached, got %v", err)
	}

	var ve *ebi.ValidationError
	if _, err := svc.Output(ctx, ebi.JobHandle{Tool: "ncbiblast"}, OutputVisualSVG, Options{}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError without job id, got %v", err)
	}
	if _, err := svc.Output(ctx, h, "", Options{}); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError without output type, got %v", err)
	}
}
