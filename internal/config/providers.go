package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Detection strategy names that a provider may disable.
const (
	StrategyNetwork    = "network"
	StrategyStructural = "structural"
	StrategyExplicit   = "explicit"
)

const (
	defaultNetworkPattern = `text/event-stream|application/x-ndjson|application/stream\+json`
	defaultMinTextLength  = 200
	defaultMaxContexts    = 2
)

// Duration is a time.Duration decoded from TOML strings such as "1.5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// NoDelay asks for no pause in NetworkSettle, StructuralSettle or
// Stabilization. NewProviders treats a zero in those fields as unset and
// fills in the default; in a provider file, an explicit "0s" means none.
const NoDelay time.Duration = -1

// Timing holds the per-provider delays and bounds used by the pool, the race
// engine and the coordinator's retry policy.
type Timing struct {
	FlightTimeout    time.Duration `json:"flight_timeout"`
	NetworkSettle    time.Duration `json:"network_settle"`
	StructuralSettle time.Duration `json:"structural_settle"`
	PollBase         time.Duration `json:"poll_base"`
	PollMultiplier   float64       `json:"poll_multiplier"`
	PollMaxAttempts  int           `json:"poll_max_attempts"`
	HarvestFailsafe  time.Duration `json:"harvest_failsafe"`
	Stabilization    time.Duration `json:"stabilization"`
	RetryBase        time.Duration `json:"retry_base"`
	CreationTimeout  time.Duration `json:"creation_timeout"`
	LoadPollInterval time.Duration `json:"load_poll_interval"`
	ProbeTimeout     time.Duration `json:"probe_timeout"`
}

// DefaultTiming returns the stock timing profile.
func DefaultTiming() Timing {
	return Timing{
		FlightTimeout:    30 * time.Second,
		NetworkSettle:    time.Second,
		StructuralSettle: 2 * time.Second,
		PollBase:         500 * time.Millisecond,
		PollMultiplier:   1.3,
		PollMaxAttempts:  10,
		HarvestFailsafe:  45 * time.Second,
		Stabilization:    300 * time.Millisecond,
		RetryBase:        2 * time.Second,
		CreationTimeout:  20 * time.Second,
		LoadPollInterval: 250 * time.Millisecond,
		ProbeTimeout:     3 * time.Second,
	}
}

// Detection configures the completion-detection watches.
type Detection struct {
	// NetworkPattern matches response content types that indicate a
	// streaming or structured answer.
	NetworkPattern string `json:"network_pattern"`

	// URLPattern optionally restricts network matching to request URLs.
	URLPattern string `json:"url_pattern,omitempty"`

	// StructuralHints are class or attribute fragments that suggest the
	// answer finished rendering.
	StructuralHints []string `json:"structural_hints,omitempty"`

	// CompletionAttribute is an attribute whose appearance is explicit
	// evidence of completion.
	CompletionAttribute string `json:"completion_attribute,omitempty"`

	MinTextLength int      `json:"min_text_length"`
	Disabled      []string `json:"disabled,omitempty"`
}

// Enabled reports whether the named strategy participates in the race.
func (d Detection) Enabled(strategy string) bool {
	return !slices.Contains(d.Disabled, strategy)
}

// Step is one scripted broadcast action. The set of implementations is
// closed; the bridge switches over it exhaustively.
type Step interface {
	Kind() string
	isStep()
}

// FocusStep focuses the element matching Selector.
type FocusStep struct {
	Selector string `json:"selector"`
}

// FillStep writes the prompt into the element matching Selector.
type FillStep struct {
	Selector string `json:"selector"`
}

// ClickStep clicks the element matching Selector.
type ClickStep struct {
	Selector string `json:"selector"`
}

// KeyStep dispatches Key on the element matching Selector.
type KeyStep struct {
	Selector string `json:"selector"`
	Key      string `json:"key"`
}

// WaitStep waits until Selector is present, bounded by Timeout.
type WaitStep struct {
	Selector string        `json:"selector"`
	Timeout  time.Duration `json:"timeout"`
}

// PauseStep sleeps for Duration inside the context.
type PauseStep struct {
	Duration time.Duration `json:"duration"`
}

func (FocusStep) Kind() string { return "focus" }
func (FillStep) Kind() string  { return "fill" }
func (ClickStep) Kind() string { return "click" }
func (KeyStep) Kind() string   { return "key" }
func (WaitStep) Kind() string  { return "wait" }
func (PauseStep) Kind() string { return "pause" }

func (FocusStep) isStep() {}
func (FillStep) isStep()  {}
func (ClickStep) isStep() {}
func (KeyStep) isStep()   {}
func (WaitStep) isStep()  {}
func (PauseStep) isStep() {}

// HarvestMethod selects how the final answer is extracted. The set of
// implementations is closed.
type HarvestMethod interface {
	Method() string
	isHarvestMethod()
}

// TextHarvest reads the text content of the last element matching Selector.
type TextHarvest struct {
	Selector string `json:"selector"`
}

// MarkdownHarvest converts the last element matching Selector to markdown.
type MarkdownHarvest struct {
	Selector string `json:"selector"`
}

// AttributeHarvest reads Attribute from the last element matching Selector.
type AttributeHarvest struct {
	Selector  string `json:"selector"`
	Attribute string `json:"attribute"`
}

func (TextHarvest) Method() string      { return "text" }
func (MarkdownHarvest) Method() string  { return "markdown" }
func (AttributeHarvest) Method() string { return "attribute" }

func (TextHarvest) isHarvestMethod()      {}
func (MarkdownHarvest) isHarvestMethod()  {}
func (AttributeHarvest) isHarvestMethod() {}

// Harvest configures extraction of the final answer.
type Harvest struct {
	Method            HarvestMethod `json:"method"`
	StreamingSelector string        `json:"streaming_selector"`
	MarkerSelector    string        `json:"marker_selector"`
}

// Provider is a validated interaction profile for one remote service.
type Provider struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	BaseURL     string    `json:"base_url"`
	Match       string    `json:"match"`
	MaxContexts int       `json:"max_contexts"`
	Timing      Timing    `json:"timing"`
	Detection   Detection `json:"detection"`
	Broadcast   []Step    `json:"-"`
	Harvest     Harvest   `json:"harvest"`
}

// StepKinds lists the broadcast step kinds in order, for display.
func (p Provider) StepKinds() []string {
	kinds := make([]string, len(p.Broadcast))
	for i, s := range p.Broadcast {
		kinds[i] = s.Kind()
	}
	return kinds
}

// Providers is an immutable, validated set of provider profiles.
type Providers struct {
	byKey map[string]Provider
	order []string
}

// NewProviders validates ps and returns them as a set. Zero-valued timing
// and detection fields are filled with defaults before validation.
func NewProviders(ps ...Provider) (*Providers, error) {
	set := &Providers{byKey: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		p = withDefaults(p)
		if err := validateProvider(p); err != nil {
			return nil, err
		}
		if _, dup := set.byKey[p.Key]; dup {
			return nil, fmt.Errorf("provider %q: duplicate key", p.Key)
		}
		set.byKey[p.Key] = p
		set.order = append(set.order, p.Key)
	}
	return set, nil
}

// Get returns the provider registered under key.
func (s *Providers) Get(key string) (Provider, bool) {
	p, ok := s.byKey[key]
	return p, ok
}

// List returns all providers in file order.
func (s *Providers) List() []Provider {
	out := make([]Provider, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.byKey[k])
	}
	return out
}

// Keys returns the provider keys in file order.
func (s *Providers) Keys() []string {
	return slices.Clone(s.order)
}

// LoadProviders reads and validates the TOML provider file at path.
func LoadProviders(path string) (*Providers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("providers load failed (%s): %w", path, err)
	}
	set, err := ParseProviders(data)
	if err != nil {
		return nil, fmt.Errorf("providers parse failed (%s): %w", path, err)
	}
	return set, nil
}

// rawFile mirrors the TOML layout before variants are resolved.
type rawFile struct {
	Defaults rawTiming     `toml:"defaults"`
	Provider []rawProvider `toml:"provider"`
}

type rawProvider struct {
	Key         string       `toml:"key"`
	Name        string       `toml:"name"`
	BaseURL     string       `toml:"base_url"`
	Match       string       `toml:"match"`
	MaxContexts int          `toml:"max_contexts"`
	Timing      rawTiming    `toml:"timing"`
	Detection   rawDetection `toml:"detection"`
	Broadcast   []rawStep    `toml:"broadcast"`
	Harvest     rawHarvest   `toml:"harvest"`
}

type rawTiming struct {
	FlightTimeout    Duration `toml:"flight_timeout"`
	NetworkSettle    *Duration `toml:"network_settle"`
	StructuralSettle *Duration `toml:"structural_settle"`
	PollBase         Duration `toml:"poll_base"`
	PollMultiplier   float64  `toml:"poll_multiplier"`
	PollMaxAttempts  int      `toml:"poll_max_attempts"`
	HarvestFailsafe  Duration `toml:"harvest_failsafe"`
	Stabilization    *Duration `toml:"stabilization"`
	RetryBase        Duration `toml:"retry_base"`
	CreationTimeout  Duration `toml:"creation_timeout"`
	LoadPollInterval Duration `toml:"load_poll_interval"`
	ProbeTimeout     Duration `toml:"probe_timeout"`
}

type rawDetection struct {
	NetworkPattern      string   `toml:"network_pattern"`
	URLPattern          string   `toml:"url_pattern"`
	StructuralHints     []string `toml:"structural_hints"`
	CompletionAttribute string   `toml:"completion_attribute"`
	MinTextLength       int      `toml:"min_text_length"`
	Disable             []string `toml:"disable"`
}

type rawStep struct {
	Kind     string   `toml:"kind"`
	Selector string   `toml:"selector"`
	Key      string   `toml:"key"`
	Timeout  Duration `toml:"timeout"`
	Duration Duration `toml:"duration"`
}

type rawHarvest struct {
	Method            string `toml:"method"`
	ResponseSelector  string `toml:"response_selector"`
	Attribute         string `toml:"attribute"`
	StreamingSelector string `toml:"streaming_selector"`
	MarkerSelector    string `toml:"marker_selector"`
}

// ParseProviders decodes a TOML provider document. Unknown keys, unknown
// step kinds and unknown harvest methods are rejected.
func ParseProviders(data []byte) (*Providers, error) {
	var raw rawFile
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	base := raw.Defaults.overlay(DefaultTiming())
	ps := make([]Provider, 0, len(raw.Provider))
	for i, rp := range raw.Provider {
		p, err := rp.resolve(base)
		if err != nil {
			return nil, fmt.Errorf("provider[%d]: %w", i, err)
		}
		ps = append(ps, p)
	}
	return NewProviders(ps...)
}

// overlay returns base with every non-zero field of r applied. The pause
// fields apply whenever they are present, so "0s" turns a pause off.
func (r rawTiming) overlay(base Timing) Timing {
	set := func(dst *time.Duration, v Duration) {
		if v != 0 {
			*dst = time.Duration(v)
		}
	}
	pause := func(dst *time.Duration, v *Duration) {
		switch {
		case v == nil:
		case *v == 0:
			*dst = NoDelay
		default:
			*dst = time.Duration(*v)
		}
	}
	set(&base.FlightTimeout, r.FlightTimeout)
	pause(&base.NetworkSettle, r.NetworkSettle)
	pause(&base.StructuralSettle, r.StructuralSettle)
	set(&base.PollBase, r.PollBase)
	set(&base.HarvestFailsafe, r.HarvestFailsafe)
	pause(&base.Stabilization, r.Stabilization)
	set(&base.RetryBase, r.RetryBase)
	set(&base.CreationTimeout, r.CreationTimeout)
	set(&base.LoadPollInterval, r.LoadPollInterval)
	set(&base.ProbeTimeout, r.ProbeTimeout)
	if r.PollMultiplier != 0 {
		base.PollMultiplier = r.PollMultiplier
	}
	if r.PollMaxAttempts != 0 {
		base.PollMaxAttempts = r.PollMaxAttempts
	}
	return base
}

func (rp rawProvider) resolve(base Timing) (Provider, error) {
	p := Provider{
		Key:         rp.Key,
		Name:        rp.Name,
		BaseURL:     rp.BaseURL,
		Match:       rp.Match,
		MaxContexts: rp.MaxContexts,
		Timing:      rp.Timing.overlay(base),
		Detection: Detection{
			NetworkPattern:      rp.Detection.NetworkPattern,
			URLPattern:          rp.Detection.URLPattern,
			StructuralHints:     rp.Detection.StructuralHints,
			CompletionAttribute: rp.Detection.CompletionAttribute,
			MinTextLength:       rp.Detection.MinTextLength,
			Disabled:            rp.Detection.Disable,
		},
	}

	for i, rs := range rp.Broadcast {
		step, err := rs.resolve()
		if err != nil {
			return Provider{}, fmt.Errorf("provider %q: broadcast[%d]: %w", rp.Key, i, err)
		}
		p.Broadcast = append(p.Broadcast, step)
	}

	h, err := rp.Harvest.resolve()
	if err != nil {
		return Provider{}, fmt.Errorf("provider %q: harvest: %w", rp.Key, err)
	}
	p.Harvest = h
	return p, nil
}

func (rs rawStep) resolve() (Step, error) {
	switch rs.Kind {
	case "focus":
		return FocusStep{Selector: rs.Selector}, nil
	case "fill":
		return FillStep{Selector: rs.Selector}, nil
	case "click":
		return ClickStep{Selector: rs.Selector}, nil
	case "key":
		return KeyStep{Selector: rs.Selector, Key: rs.Key}, nil
	case "wait":
		return WaitStep{Selector: rs.Selector, Timeout: time.Duration(rs.Timeout)}, nil
	case "pause":
		return PauseStep{Duration: time.Duration(rs.Duration)}, nil
	case "":
		return nil, errors.New("kind is required")
	default:
		return nil, fmt.Errorf("unknown step kind %q", rs.Kind)
	}
}

func (rh rawHarvest) resolve() (Harvest, error) {
	h := Harvest{
		StreamingSelector: rh.StreamingSelector,
		MarkerSelector:    rh.MarkerSelector,
	}
	switch rh.Method {
	case "text", "":
		h.Method = TextHarvest{Selector: rh.ResponseSelector}
	case "markdown":
		h.Method = MarkdownHarvest{Selector: rh.ResponseSelector}
	case "attribute":
		h.Method = AttributeHarvest{Selector: rh.ResponseSelector, Attribute: rh.Attribute}
	default:
		return Harvest{}, fmt.Errorf("unknown harvest method %q", rh.Method)
	}
	return h, nil
}

// withDefaults fills zero-valued timing and detection fields.
func withDefaults(p Provider) Provider {
	def := DefaultTiming()
	t := &p.Timing
	fill := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}
	pause := func(dst *time.Duration, v time.Duration) {
		switch *dst {
		case NoDelay:
			*dst = 0
		case 0:
			*dst = v
		}
	}
	fill(&t.FlightTimeout, def.FlightTimeout)
	pause(&t.NetworkSettle, def.NetworkSettle)
	pause(&t.StructuralSettle, def.StructuralSettle)
	fill(&t.PollBase, def.PollBase)
	fill(&t.HarvestFailsafe, def.HarvestFailsafe)
	pause(&t.Stabilization, def.Stabilization)
	fill(&t.RetryBase, def.RetryBase)
	fill(&t.CreationTimeout, def.CreationTimeout)
	fill(&t.LoadPollInterval, def.LoadPollInterval)
	fill(&t.ProbeTimeout, def.ProbeTimeout)
	if t.PollMultiplier == 0 {
		t.PollMultiplier = def.PollMultiplier
	}
	if t.PollMaxAttempts == 0 {
		t.PollMaxAttempts = def.PollMaxAttempts
	}
	if p.Detection.NetworkPattern == "" {
		p.Detection.NetworkPattern = defaultNetworkPattern
	}
	if p.Detection.MinTextLength == 0 {
		p.Detection.MinTextLength = defaultMinTextLength
	}
	if p.MaxContexts == 0 {
		p.MaxContexts = defaultMaxContexts
	}
	if p.Name == "" {
		p.Name = p.Key
	}
	if p.Harvest.Method == nil {
		p.Harvest.Method = TextHarvest{}
	}
	return p
}

func validateProvider(p Provider) error {
	if p.Key == "" {
		return errors.New("provider key is required")
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("provider %q: %s", p.Key, fmt.Sprintf(format, args...))
	}

	u, err := url.Parse(p.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fail("base_url %q must be an absolute http(s) URL", p.BaseURL)
	}
	if p.Match == "" {
		return fail("match pattern is required")
	}
	if p.MaxContexts < 1 {
		return fail("max_contexts must be positive")
	}

	t := p.Timing
	for name, d := range map[string]time.Duration{
		"flight_timeout":     t.FlightTimeout,
		"poll_base":          t.PollBase,
		"harvest_failsafe":   t.HarvestFailsafe,
		"retry_base":         t.RetryBase,
		"creation_timeout":   t.CreationTimeout,
		"load_poll_interval": t.LoadPollInterval,
		"probe_timeout":      t.ProbeTimeout,
	} {
		if d <= 0 {
			return fail("%s must be positive", name)
		}
	}
	if t.NetworkSettle < 0 || t.StructuralSettle < 0 || t.Stabilization < 0 {
		return fail("settle and stabilization delays must not be negative")
	}
	if t.PollMultiplier < 1 {
		return fail("poll_multiplier must be >= 1")
	}
	if t.PollMaxAttempts < 1 {
		return fail("poll_max_attempts must be positive")
	}

	if _, err := regexp.Compile(p.Detection.NetworkPattern); err != nil {
		return fail("network_pattern: %v", err)
	}
	if p.Detection.URLPattern != "" {
		if _, err := regexp.Compile(p.Detection.URLPattern); err != nil {
			return fail("url_pattern: %v", err)
		}
	}
	for _, s := range p.Detection.Disabled {
		switch s {
		case StrategyNetwork, StrategyStructural, StrategyExplicit:
		default:
			return fail("cannot disable unknown strategy %q", s)
		}
	}

	for i, step := range p.Broadcast {
		if err := validateStep(step); err != nil {
			return fail("broadcast[%d] %s: %v", i, step.Kind(), err)
		}
	}
	if err := validateHarvest(p.Harvest); err != nil {
		return fail("harvest: %v", err)
	}
	return nil
}

func validateStep(s Step) error {
	switch st := s.(type) {
	case FocusStep:
		return requireSelector(st.Selector)
	case FillStep:
		return requireSelector(st.Selector)
	case ClickStep:
		return requireSelector(st.Selector)
	case KeyStep:
		if st.Key == "" {
			return errors.New("key is required")
		}
		return requireSelector(st.Selector)
	case WaitStep:
		if st.Timeout <= 0 {
			return errors.New("timeout must be positive")
		}
		return requireSelector(st.Selector)
	case PauseStep:
		if st.Duration <= 0 {
			return errors.New("duration must be positive")
		}
		return nil
	default:
		return fmt.Errorf("unsupported step type %T", s)
	}
}

func validateHarvest(h Harvest) error {
	switch m := h.Method.(type) {
	case TextHarvest:
		if err := requireSelector(m.Selector); err != nil {
			return err
		}
	case MarkdownHarvest:
		if err := requireSelector(m.Selector); err != nil {
			return err
		}
	case AttributeHarvest:
		if m.Attribute == "" {
			return errors.New("attribute is required")
		}
		if err := requireSelector(m.Selector); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported harvest method %T", h.Method)
	}
	if h.StreamingSelector == "" {
		return errors.New("streaming_selector is required")
	}
	return nil
}

func requireSelector(sel string) error {
	if strings.TrimSpace(sel) == "" {
		return errors.New("selector is required")
	}
	return nil
}
