// Package suite loads eval files: declarative test cases plus the evaluator
// configuration that scores them.
package suite

type Message struct {
	Role    string `yaml:"role" json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `yaml:"content" json:"content"`
}

// Execution holds per-case overrides of run settings.
type Execution struct {
	Target         string `yaml:"target"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
	MaxRetries     *int   `yaml:"max_retries" validate:"omitempty,gte=0"`
}

type Case struct {
	ID               string            `yaml:"id" validate:"required"`
	ConversationID   string            `yaml:"conversation_id"`
	Criteria         string            `yaml:"criteria"`
	ExpectedOutcome  string            `yaml:"expected_outcome"`
	Input            string            `yaml:"input"`
	InputMessages    []Message         `yaml:"input_messages" validate:"dive"`
	ExpectedMessages []Message         `yaml:"expected_messages" validate:"dive"`
	ReferenceAnswer  string            `yaml:"reference_answer"`
	Evaluators       []EvaluatorConfig `yaml:"evaluators" validate:"dive"`
	Execution        Execution         `yaml:"execution"`
}

// Question is the content of the last user message.
func (c *Case) Question() string {
	for i := len(c.InputMessages) - 1; i >= 0; i-- {
		if c.InputMessages[i].Role == "user" {
			return c.InputMessages[i].Content
		}
	}
	return ""
}

// File is one eval file after normalization.
type File struct {
	Path              string            `yaml:"-"`
	Description       string            `yaml:"description"`
	Target            string            `yaml:"target"`
	WorkspaceTemplate string            `yaml:"workspace_template"`
	Evaluators        []EvaluatorConfig `yaml:"evaluators" validate:"dive"`
	Cases             []*Case           `yaml:"cases" validate:"required,min=1,dive"`
}

// EvaluatorConfig is the union of every evaluator's settings, discriminated by
// Type. Fields that do not apply to a type are ignored by its constructor.
type EvaluatorConfig struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type" validate:"required"`
	Weight    *float64 `yaml:"weight" validate:"omitempty,gte=0"`
	Required  bool     `yaml:"required"`
	Threshold *float64 `yaml:"threshold" validate:"omitempty,gte=0,lte=1"`

	// code_judge
	Command        []string          `yaml:"command"`
	Script         string            `yaml:"script"`
	Cwd            string            `yaml:"cwd"`
	TimeoutSeconds int               `yaml:"timeout_seconds" validate:"gte=0"`
	JudgeProxy     *JudgeProxyConfig `yaml:"judge_proxy"`
	IncludeTrace   bool              `yaml:"include_trace"`
	Config         map[string]any    `yaml:"config"`

	// llm_judge
	Prompt  string   `yaml:"prompt"`
	Rubrics []Rubric `yaml:"rubrics" validate:"dive"`
	Samples int      `yaml:"samples" validate:"gte=0,lte=9"`
	Target  string   `yaml:"target"`

	// composite
	Evaluators []EvaluatorConfig `yaml:"evaluators" validate:"dive"`
	Aggregator *Aggregator       `yaml:"aggregator"`

	// tool_trajectory
	Mode     string             `yaml:"mode" validate:"omitempty,oneof=any_order in_order exact"`
	Expected []ExpectedToolCall `yaml:"expected" validate:"dive"`
	Minimums map[string]int     `yaml:"minimums"`

	// field_accuracy
	Fields      []FieldSpec `yaml:"fields" validate:"dive"`
	Aggregation string      `yaml:"aggregation" validate:"omitempty,oneof=weighted_average all_or_nothing"`

	// latency, cost, token_usage
	MaxMs     *int64   `yaml:"max_ms"`
	BudgetUSD *float64 `yaml:"budget_usd"`
	MaxTotal  *int     `yaml:"max_total"`
	MaxInput  *int     `yaml:"max_input"`
	MaxOutput *int     `yaml:"max_output"`

	// execution_metrics
	MaxToolCalls           *int     `yaml:"max_tool_calls"`
	MaxLLMCalls            *int     `yaml:"max_llm_calls"`
	MaxTokens              *int     `yaml:"max_tokens"`
	MaxCostUSD             *float64 `yaml:"max_cost_usd"`
	MaxDurationMs          *int64   `yaml:"max_duration_ms"`
	TargetExplorationRatio *float64 `yaml:"target_exploration_ratio" validate:"omitempty,gte=0,lte=1"`
	ExplorationTolerance   *float64 `yaml:"exploration_tolerance" validate:"omitempty,gte=0"`

	// contains, regex, equals
	Value           string `yaml:"value"`
	Pattern         string `yaml:"pattern"`
	CaseInsensitive bool   `yaml:"case_insensitive"`
}

// WeightOrDefault returns the configured weight, or 1.
func (c *EvaluatorConfig) WeightOrDefault() float64 {
	if c.Weight == nil {
		return 1
	}
	return *c.Weight
}

// DefaultRequiredThreshold is the score a required evaluator must reach.
const DefaultRequiredThreshold = 0.8

func (c *EvaluatorConfig) ThresholdOrDefault() float64 {
	if c.Threshold == nil {
		return DefaultRequiredThreshold
	}
	return *c.Threshold
}

// DefaultMaxCalls caps judge proxy calls per code judge invocation.
const DefaultMaxCalls = 50

type JudgeProxyConfig struct {
	MaxCalls int      `yaml:"max_calls" validate:"gte=0"`
	Targets  []string `yaml:"targets"`
}

type Rubric struct {
	ID          string   `yaml:"id" json:"id" validate:"required"`
	Description string   `yaml:"description" json:"description" validate:"required"`
	Weight      *float64 `yaml:"weight" json:"weight,omitempty" validate:"omitempty,gte=0"`
	Required    bool     `yaml:"required" json:"required,omitempty"`
}

type Aggregator struct {
	Type          string             `yaml:"type" validate:"required,oneof=weighted_average all_or_nothing minimum maximum safety_gate"`
	Weights       map[string]float64 `yaml:"weights"`
	Gate          string             `yaml:"gate"`
	GateThreshold *float64           `yaml:"gate_threshold" validate:"omitempty,gte=0,lte=1"`
}

type ExpectedToolCall struct {
	Tool string         `yaml:"tool" validate:"required"`
	Args map[string]any `yaml:"args"`
}

type FieldSpec struct {
	Path      string   `yaml:"path" validate:"required"`
	Match     string   `yaml:"match" validate:"omitempty,oneof=exact date numeric_tolerance"`
	Tolerance float64  `yaml:"tolerance" validate:"gte=0"`
	Relative  bool     `yaml:"relative"`
	Weight    *float64 `yaml:"weight" validate:"omitempty,gte=0"`
	Formats   []string `yaml:"formats"`
}
