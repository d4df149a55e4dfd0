package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func echoTool(name string, params ...Param) *Tool {
	return &Tool{
		Name:   name,
		Params: params,
		Handler: func(_ context.Context, args Args) (any, error) {
			return args, nil
		},
	}
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("a")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool("a")); err == nil {
		t.Error("duplicate name should be rejected")
	}
	if err := r.Register(echoTool("")); err == nil {
		t.Error("empty name should be rejected")
	}
	if err := r.Register(&Tool{Name: "nohandler"}); err == nil {
		t.Error("tool without handler should be rejected")
	}
}

func TestRegistry_ListKeepsOrder(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		r.Register(echoTool(n, Param{Name: "x", Type: "string", Required: true}))
	}

	names := r.Names()
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	fn := list[0]["function"].(map[string]any)
	if fn["name"] != "zeta" {
		t.Errorf("first tool = %v, want zeta", fn["name"])
	}
	params := fn["parameters"].(map[string]any)
	req := params["required"].([]string)
	if len(req) != 1 || req[0] != "x" {
		t.Errorf("required = %v, want [x]", req)
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	_, err := NewRegistry().Execute(context.Background(), "nope", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want *ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "nope" {
		t.Errorf("ToolName = %q", unavailable.ToolName)
	}
}

func TestRegistry_ExecuteValidation(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("risk",
		Param{Name: "credit_score", Type: "number", Required: true},
		Param{Name: "account_status", Type: "string", Required: true},
	))
	r.Register(echoTool("count",
		Param{Name: "n", Type: "integer", Required: true},
		Param{Name: "verbose", Type: "boolean"},
	))

	tests := []struct {
		name      string
		tool      string
		args      map[string]any
		wantField string
	}{
		{"missing required", "risk", map[string]any{"credit_score": 700.0}, "account_status"},
		{"string for number", "risk", map[string]any{"credit_score": "700", "account_status": "closed"}, "credit_score"},
		{"unknown field", "risk", map[string]any{"credit_score": 700.0, "account_status": "closed", "extra": 1.0}, "extra"},
		{"fractional integer", "count", map[string]any{"n": 1.5}, "n"},
		{"string for boolean", "count", map[string]any{"n": 2.0, "verbose": "yes"}, "verbose"},
		{"nil args", "risk", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), tt.tool, tt.args)
			var invalid *ErrInvalidArgument
			if !errors.As(err, &invalid) {
				t.Fatalf("error = %v, want *ErrInvalidArgument", err)
			}
			if tt.wantField != "" && invalid.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", invalid.Field, tt.wantField)
			}
		})
	}
}

func TestRegistry_ExecuteAcceptsWholeFloatAsInteger(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("count", Param{Name: "n", Type: "integer", Required: true}))

	out, err := r.Execute(context.Background(), "count", map[string]any{"n": 3.0})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("result not JSON: %q", out)
	}
	if got["n"] != 3.0 {
		t.Errorf("n = %v, want 3", got["n"])
	}
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"closed", "closed"},
		{825, "825"},
		{int64(12), "12"},
		{8.0, "8"},
		{2.5, "2.5"},
		{true, "true"},
		{nil, ""},
		{map[string]int{"a": 1}, `{"a":1}`},
	}
	for _, tt := range tests {
		got, err := formatResult(tt.in)
		if err != nil {
			t.Errorf("formatResult(%v) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("formatResult(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestArgs_Accessors(t *testing.T) {
	a := Args{"s": "x", "f": 1.5, "i": 7, "n": json.Number("42")}
	if a.String("s") != "x" || a.String("missing") != "" {
		t.Error("String accessor mismatch")
	}
	if a.Number("f") != 1.5 || a.Number("i") != 7 || a.Number("n") != 42 || a.Number("missing") != 0 {
		t.Error("Number accessor mismatch")
	}
}
