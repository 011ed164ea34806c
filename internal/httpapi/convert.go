package httpapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/types"
)

// Protobuf bodies are google.protobuf.Struct messages keyed like the JSON
// bodies, so both encodings share one field set.

// ── Validate ─────────────────────────────────────────────────────────────────

func validationRequestFromProto(p *structpb.Struct) types.ValidationRequest {
	f := p.GetFields()
	return types.ValidationRequest{
		TerminalID:  f["terminal_id"].GetStringValue(),
		CardSerial:  f["card_serial"].GetStringValue(),
		RequestedAt: f["requested_at"].GetStringValue(),
	}
}

func validationResponseToProto(r types.ValidationResponse) (*structpb.Struct, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode validation response: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode validation response: %w", err)
	}
	return structpb.NewStruct(m)
}
