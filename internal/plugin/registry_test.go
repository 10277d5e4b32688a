package plugin

import "testing"

type noopPlugin struct{ name string }

func (p *noopPlugin) Name() string { return p.name }

func TestRegisterAndBuild(t *testing.T) {
	r := NewRegistry()
	err := r.Register("key-auth", 2500, "", func(cfg map[string]any) (Plugin, error) {
		return &noopPlugin{name: "key-auth"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Known("key-auth") {
		t.Fatal("expected key-auth to be known after Register")
	}
	if r.Priority("key-auth") != 2500 {
		t.Fatalf("expected priority 2500, got %d", r.Priority("key-auth"))
	}

	p, err := r.Build("key-auth", map[string]any{"key": "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "key-auth" {
		t.Fatalf("expected key-auth, got %s", p.Name())
	}
}

func TestBuildUnknownPlugin(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Build("nope", nil); err == nil {
		t.Fatal("expected an error for an unregistered plugin name")
	}
}

func TestRegisterWithSchemaValidatesConfig(t *testing.T) {
	r := NewRegistry()
	schema := `{
		"type": "object",
		"properties": {"key": {"type": "string"}},
		"required": ["key"]
	}`
	err := r.Register("key-auth", 2500, schema, func(cfg map[string]any) (Plugin, error) {
		return &noopPlugin{name: "key-auth"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error compiling schema: %v", err)
	}

	if err := r.Validate("key-auth", map[string]any{"key": "abc"}); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
	if err := r.Validate("key-auth", map[string]any{}); err == nil {
		t.Fatal("expected missing required field to fail validation")
	}

	if _, err := r.Build("key-auth", map[string]any{}); err == nil {
		t.Fatal("expected Build to reject an invalid config")
	}
}

func TestRegisterInvalidSchemaJSON(t *testing.T) {
	r := NewRegistry()
	err := r.Register("broken", 0, "{not json", func(cfg map[string]any) (Plugin, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected an error for malformed schema JSON")
	}
}
