package schema

import (
	"context"
	"encoding/json"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := RegisterDefaults(reg); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}
	return reg
}

func mustJSON(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestValidateRejectsUnknownType(t *testing.T) {
	reg := newTestRegistry(t)
	raw := mustJSON(t, map[string]any{"type": "no_such_type", "msg-sent-timestamp": NowTimestamp()})
	if _, _, err := reg.Validate(raw); err == nil {
		t.Fatal("expected unknown type to be rejected")
	}
}

func TestValidateRejectsMissingType(t *testing.T) {
	reg := newTestRegistry(t)
	raw := mustJSON(t, map[string]any{"msg-sent-timestamp": NowTimestamp()})
	if _, _, err := reg.Validate(raw); err == nil {
		t.Fatal("expected missing type to be rejected")
	}
}

// TestToolCallSchemaEnforcesRequiredFields covers T4: a tool_call missing a
// schema-required field is rejected, and the rejection is purely a function
// of the message (no prior dispatch state affects the outcome).
func TestToolCallSchemaEnforcesRequiredFields(t *testing.T) {
	reg := newTestRegistry(t)
	raw := mustJSON(t, map[string]any{
		"type":               "tool_call",
		"source":             "engine",
		"msg-sent-timestamp": NowTimestamp(),
		// missing tool_name, parameters, execution_id
	})
	if _, _, err := reg.Validate(raw); err == nil {
		t.Fatal("expected incomplete tool_call to fail schema validation")
	}

	valid := mustJSON(t, map[string]any{
		"type":               "tool_call",
		"source":             "engine",
		"tool_name":          "ping_host",
		"parameters":         map[string]any{"host": "localhost"},
		"execution_id":       "exec-1",
		"msg-sent-timestamp": NowTimestamp(),
	})
	if _, _, err := reg.Validate(valid); err != nil {
		t.Fatalf("expected valid tool_call to pass: %v", err)
	}
}

func TestToolResultRequiresErrorOnErrorStatus(t *testing.T) {
	reg := newTestRegistry(t)
	raw := mustJSON(t, map[string]any{
		"type":               "tool_result",
		"execution_id":       "exec-1",
		"tool_name":          "ping_host",
		"status":             "error",
		"source":             "toolexec",
		"msg-sent-timestamp": NowTimestamp(),
		// missing error{} object
	})
	if _, _, err := reg.Validate(raw); err == nil {
		t.Fatal("expected error-status tool_result without error object to fail")
	}

	valid := mustJSON(t, map[string]any{
		"type":               "tool_result",
		"execution_id":       "exec-1",
		"tool_name":          "ping_host",
		"status":             "error",
		"source":             "toolexec",
		"msg-sent-timestamp": NowTimestamp(),
		"error":              map[string]any{"code": "TIMEOUT", "message": "deadline exceeded"},
	})
	if _, _, err := reg.Validate(valid); err != nil {
		t.Fatalf("expected valid error tool_result to pass: %v", err)
	}
}

func TestDeprecatedTypeSurfacesReplacement(t *testing.T) {
	reg := newTestRegistry(t)
	raw := mustJSON(t, map[string]any{
		"type":               "query",
		"source":             "legacy-client",
		"msg-sent-timestamp": NowTimestamp(),
	})
	_, warning, err := reg.Validate(raw)
	if err != nil {
		t.Fatalf("deprecated type must still validate: %v", err)
	}
	if warning == "" {
		t.Fatal("expected a deprecation warning")
	}
}

func TestDispatchRunsHandlersAndMiddleware(t *testing.T) {
	reg := newTestRegistry(t)

	var order []string
	reg.Use(func(ctx context.Context, env Envelope, raw []byte, next Next) error {
		order = append(order, "mw-before")
		err := next(ctx, env, raw)
		order = append(order, "mw-after")
		return err
	})
	reg.RegisterHandler("ally_status", func(ctx context.Context, env Envelope, raw []byte) error {
		order = append(order, "handler")
		return nil
	})

	raw := mustJSON(t, map[string]any{"type": "ally_status", "msg-sent-timestamp": NowTimestamp()})
	if _, err := reg.Dispatch(context.Background(), raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	want := []string{"mw-before", "handler", "mw-after"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestDispatchUnknownTypeNeverReachesHandlers(t *testing.T) {
	reg := newTestRegistry(t)
	called := false
	reg.RegisterHandler("ally_status", func(ctx context.Context, env Envelope, raw []byte) error {
		called = true
		return nil
	})
	raw := mustJSON(t, map[string]any{"type": "ally_status_v2", "msg-sent-timestamp": NowTimestamp()})
	if _, err := reg.Dispatch(context.Background(), raw); err == nil {
		t.Fatal("expected dispatch of unregistered type to fail")
	}
	if called {
		t.Fatal("handler must not run for an unregistered type")
	}
}
