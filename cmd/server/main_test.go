package main

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"verifybot/internal/config"
)

func TestRun_InvalidOTLPEndpointFailsBeforeConnecting(t *testing.T) {
	cfg := &config.Config{OTLPEndpoint: "http://", ServiceName: "verifybot"}
	err := run(context.Background(), cfg, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "OTLP endpoint") {
		t.Fatalf("err = %v, want OTLP endpoint error", err)
	}
}
