package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleProviders = `
[defaults]
flight_timeout = "20s"
retry_base = "1s"

[[provider]]
key = "chat"
name = "Chat Service"
base_url = "https://chat.example.com/"
match = "https://chat.example.com/*"
max_contexts = 3

  [provider.timing]
  network_settle = "750ms"
  poll_multiplier = 1.5

  [provider.detection]
  structural_hints = ["result-streaming", "data-complete"]
  completion_attribute = "data-message-complete"
  disable = ["explicit"]

  [[provider.broadcast]]
  kind = "fill"
  selector = "#prompt-textarea"

  [[provider.broadcast]]
  kind = "wait"
  selector = "button[data-testid=send]"
  timeout = "2s"

  [[provider.broadcast]]
  kind = "click"
  selector = "button[data-testid=send]"

  [provider.harvest]
  method = "markdown"
  response_selector = "[data-message-author-role=assistant]"
  streaming_selector = ".result-streaming"
  marker_selector = "[data-message-complete]"

[[provider]]
key = "docs"
base_url = "https://docs.example.org/ask"
match = "https://docs.example.org/*"

  [[provider.broadcast]]
  kind = "key"
  selector = "textarea"
  key = "Enter"

  [provider.harvest]
  method = "attribute"
  response_selector = ".answer"
  attribute = "data-raw"
  streaming_selector = ".spinner"
`

func TestParseProviders(t *testing.T) {
	set, err := ParseProviders([]byte(sampleProviders))
	if err != nil {
		t.Fatalf("ParseProviders: %v", err)
	}

	if diff := cmp.Diff([]string{"chat", "docs"}, set.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}

	chat, ok := set.Get("chat")
	if !ok {
		t.Fatal("chat provider missing")
	}
	if chat.MaxContexts != 3 {
		t.Errorf("MaxContexts = %d, want 3", chat.MaxContexts)
	}
	if chat.Timing.FlightTimeout != 20*time.Second {
		t.Errorf("FlightTimeout = %v, want defaults override 20s", chat.Timing.FlightTimeout)
	}
	if chat.Timing.NetworkSettle != 750*time.Millisecond {
		t.Errorf("NetworkSettle = %v, want 750ms", chat.Timing.NetworkSettle)
	}
	if chat.Timing.StructuralSettle != 2*time.Second {
		t.Errorf("StructuralSettle = %v, want stock 2s", chat.Timing.StructuralSettle)
	}
	if chat.Timing.PollMultiplier != 1.5 {
		t.Errorf("PollMultiplier = %v, want 1.5", chat.Timing.PollMultiplier)
	}
	if chat.Detection.Enabled(StrategyExplicit) {
		t.Error("explicit strategy should be disabled")
	}
	if !chat.Detection.Enabled(StrategyNetwork) {
		t.Error("network strategy should be enabled")
	}
	if chat.Detection.NetworkPattern != defaultNetworkPattern {
		t.Errorf("NetworkPattern = %q, want default", chat.Detection.NetworkPattern)
	}

	wantSteps := []Step{
		FillStep{Selector: "#prompt-textarea"},
		WaitStep{Selector: "button[data-testid=send]", Timeout: 2 * time.Second},
		ClickStep{Selector: "button[data-testid=send]"},
	}
	if diff := cmp.Diff(wantSteps, chat.Broadcast); diff != "" {
		t.Errorf("Broadcast mismatch (-want +got):\n%s", diff)
	}
	if _, ok := chat.Harvest.Method.(MarkdownHarvest); !ok {
		t.Errorf("Harvest.Method = %T, want MarkdownHarvest", chat.Harvest.Method)
	}

	docs, _ := set.Get("docs")
	if docs.Name != "docs" {
		t.Errorf("Name = %q, want key fallback", docs.Name)
	}
	if docs.MaxContexts != defaultMaxContexts {
		t.Errorf("MaxContexts = %d, want default %d", docs.MaxContexts, defaultMaxContexts)
	}
	attr, ok := docs.Harvest.Method.(AttributeHarvest)
	if !ok || attr.Attribute != "data-raw" {
		t.Errorf("Harvest.Method = %#v, want attribute data-raw", docs.Harvest.Method)
	}
}

func TestParseProvidersRejects(t *testing.T) {
	const head = `
[[provider]]
key = "p"
base_url = "https://p.example.com/"
match = "https://p.example.com/*"
`
	const harvest = `
  [provider.harvest]
  response_selector = ".r"
  streaming_selector = ".s"
`
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "unknown step kind",
			doc:     head + "  [[provider.broadcast]]\n  kind = \"drag\"\n  selector = \"x\"\n" + harvest,
			wantErr: `unknown step kind "drag"`,
		},
		{
			name:    "unknown harvest method",
			doc:     head + "  [provider.harvest]\n  method = \"ocr\"\n",
			wantErr: `unknown harvest method "ocr"`,
		},
		{
			name:    "missing selector",
			doc:     head + "  [[provider.broadcast]]\n  kind = \"click\"\n" + harvest,
			wantErr: "selector is required",
		},
		{
			name:    "bad network pattern",
			doc:     head + "  [provider.detection]\n  network_pattern = \"(\"\n" + harvest,
			wantErr: "network_pattern",
		},
		{
			name:    "unknown key",
			doc:     head + "  colour = \"blue\"\n" + harvest,
			wantErr: "unknown keys",
		},
		{
			name:    "relative base url",
			doc:     "[[provider]]\nkey = \"p\"\nbase_url = \"/chat\"\nmatch = \"*\"\n" + harvest,
			wantErr: "base_url",
		},
		{
			name:    "disable unknown strategy",
			doc:     head + "  [provider.detection]\n  disable = [\"telepathy\"]\n" + harvest,
			wantErr: "telepathy",
		},
		{
			name:    "missing streaming selector",
			doc:     head + "  [provider.harvest]\n  response_selector = \".r\"\n",
			wantErr: "streaming_selector",
		},
		{
			name:    "duplicate key",
			doc:     head + harvest + head + harvest,
			wantErr: "duplicate key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProviders([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadProvidersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.toml")
	if err := os.WriteFile(path, []byte(sampleProviders), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	set, err := LoadProviders(path)
	if err != nil {
		t.Fatalf("LoadProviders: %v", err)
	}
	if len(set.List()) != 2 {
		t.Errorf("len(List) = %d, want 2", len(set.List()))
	}

	if _, err := LoadProviders(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewProvidersAppliesDefaults(t *testing.T) {
	set, err := NewProviders(Provider{
		Key:     "svcA",
		BaseURL: "https://a.example.com/",
		Match:   "https://a.example.com/*",
		Harvest: Harvest{Method: TextHarvest{Selector: ".answer"}, StreamingSelector: ".typing"},
	})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	p, _ := set.Get("svcA")
	if diff := cmp.Diff(DefaultTiming(), p.Timing); diff != "" {
		t.Errorf("Timing mismatch (-want +got):\n%s", diff)
	}
	if p.Detection.MinTextLength != defaultMinTextLength {
		t.Errorf("MinTextLength = %d, want %d", p.Detection.MinTextLength, defaultMinTextLength)
	}
}

func TestParseProvidersZeroPauses(t *testing.T) {
	const doc = `
[defaults]
stabilization = "0s"

[[provider]]
key = "instant"
base_url = "https://instant.example.com/"
match = "https://instant.example.com/*"

  [provider.timing]
  network_settle = "0s"
  structural_settle = "250ms"

  [provider.harvest]
  response_selector = ".answer"
  streaming_selector = ".typing"

[[provider]]
key = "stock"
base_url = "https://stock.example.com/"
match = "https://stock.example.com/*"

  [provider.timing]
  stabilization = "100ms"

  [provider.harvest]
  response_selector = ".answer"
  streaming_selector = ".typing"
`
	set, err := ParseProviders([]byte(doc))
	if err != nil {
		t.Fatalf("ParseProviders: %v", err)
	}
	def := DefaultTiming()
	tests := []struct {
		key                         string
		network, structural, stable time.Duration
	}{
		{"instant", 0, 250 * time.Millisecond, 0},
		{"stock", def.NetworkSettle, def.StructuralSettle, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		p, _ := set.Get(tt.key)
		got := p.Timing
		if got.NetworkSettle != tt.network || got.StructuralSettle != tt.structural || got.Stabilization != tt.stable {
			t.Errorf("%s pauses = %v/%v/%v, want %v/%v/%v", tt.key,
				got.NetworkSettle, got.StructuralSettle, got.Stabilization,
				tt.network, tt.structural, tt.stable)
		}
	}
}

func TestNewProvidersNoDelay(t *testing.T) {
	set, err := NewProviders(Provider{
		Key:     "svcA",
		BaseURL: "https://a.example.com/",
		Match:   "https://a.example.com/*",
		Timing:  Timing{NetworkSettle: NoDelay, Stabilization: NoDelay},
		Harvest: Harvest{Method: TextHarvest{Selector: ".answer"}, StreamingSelector: ".typing"},
	})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	p, _ := set.Get("svcA")
	if p.Timing.NetworkSettle != 0 || p.Timing.Stabilization != 0 {
		t.Errorf("pauses = %v/%v, want none", p.Timing.NetworkSettle, p.Timing.Stabilization)
	}
	if p.Timing.StructuralSettle != DefaultTiming().StructuralSettle {
		t.Errorf("StructuralSettle = %v, want default", p.Timing.StructuralSettle)
	}

	if _, err := NewProviders(Provider{
		Key:     "bad",
		BaseURL: "https://b.example.com/",
		Match:   "https://b.example.com/*",
		Timing:  Timing{NetworkSettle: -time.Second},
		Harvest: Harvest{Method: TextHarvest{Selector: ".answer"}, StreamingSelector: ".typing"},
	}); err == nil {
		t.Error("negative settle accepted")
	}
}

func TestExampleProvidersFile(t *testing.T) {
	providers, err := LoadProviders(filepath.Join("..", "..", "providers.example.toml"))
	if err != nil {
		t.Fatalf("LoadProviders: %v", err)
	}
	if diff := cmp.Diff([]string{"chatgpt", "claude"}, providers.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	claude, _ := providers.Get("claude")
	if claude.Timing.FlightTimeout != 30*time.Second {
		t.Errorf("flight_timeout = %v, want default overlay of 30s", claude.Timing.FlightTimeout)
	}
	if got := claude.StepKinds(); !cmp.Equal(got, []string{"wait", "fill", "key"}) {
		t.Errorf("steps = %v", got)
	}
}
